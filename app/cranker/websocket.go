package cranker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stakepool-labs/cranker/pkg/retry"
)

const (
	pingInterval = 30 * time.Second
	readDeadline = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServerMessage is what /ws clients receive.
type ServerMessage struct {
	Type    string      `json:"type"` // "cycle", "info", "error"
	Payload interface{} `json:"payload"`
}

// resubscribe is the backoff between lost Redis subscriptions.
var resubscribe = retry.Config{
	InitialDelay:  time.Second,
	MaxDelay:      30 * time.Second,
	Multiplier:    2,
	JitterEnabled: true,
}

// HandleWebSocket streams cycle reports published by any cranker instance of this cluster.
// Clients only listen; anything they send is ignored apart from keeping the connection alive.
func (a *App) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if a.RedisClient == nil {
		http.Error(w, "cycle events not available (Redis disabled)", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			a.Logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}()

	a.Logger.Info("WebSocket client connected", zap.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	send := make(chan ServerMessage, 64)
	var wg sync.WaitGroup

	guard := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					a.Logger.Error("Panic in WebSocket goroutine",
						zap.String("goroutine", name),
						zap.Any("panic", rec),
						zap.String("stack", string(debug.Stack())))
					cancel()
				}
			}()
			fn()
		}()
	}

	guard("subscriber", func() { a.relayCycles(ctx, send) })
	guard("pinger", func() { a.sendPings(ctx, conn) })

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		a.writeMessages(conn, send)
	}()

	a.readClientMessages(ctx, conn, cancel)

	cancel()
	wg.Wait()
	close(send)
	<-writerDone

	a.Logger.Info("WebSocket client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

// relayCycles forwards the cycle channel to send, resubscribing with backoff when Redis drops.
func (a *App) relayCycles(ctx context.Context, send chan<- ServerMessage) {
	channel := a.CycleChannel()
	for attempt := 1; ; attempt++ {
		err := a.relayOnce(ctx, channel, send)
		if ctx.Err() != nil {
			return
		}

		backoff := retry.Backoff(resubscribe, attempt)
		a.Logger.Warn("Redis subscription lost, will retry",
			zap.String("channel", channel),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		if !trySend(ctx, send, ServerMessage{Type: "error", Payload: map[string]interface{}{
			"message":     "Redis connection lost, attempting to reconnect",
			"retryIn":     backoff.Seconds(),
			"recoverable": true,
		}}) {
			return
		}
		if retry.Sleep(ctx, backoff) != nil {
			return
		}
	}
}

func (a *App) relayOnce(ctx context.Context, channel string, send chan<- ServerMessage) error {
	pubsub := a.RedisClient.Subscribe(ctx, channel)
	defer func() { _ = pubsub.Close() }()

	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	_, err := pubsub.Receive(rctx)
	cancel()
	if err != nil {
		return fmt.Errorf("confirm subscription: %w", err)
	}

	if !trySend(ctx, send, ServerMessage{Type: "info", Payload: map[string]string{"channel": channel}}) {
		return ctx.Err()
	}
	return a.forward(ctx, pubsub.Channel(), send)
}

// forward decodes each published report and queues it for the client. It returns when ch closes.
func (a *App) forward(ctx context.Context, ch <-chan *goredis.Message, send chan<- ServerMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var payload map[string]interface{}
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				a.Logger.Warn("Dropping undecodable cycle message", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if !trySend(ctx, send, ServerMessage{Type: "cycle", Payload: payload}) {
				return ctx.Err()
			}
		}
	}
}

func (a *App) sendPings(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				a.Logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

func (a *App) writeMessages(conn *websocket.Conn, send <-chan ServerMessage) {
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			a.Logger.Debug("Failed to write WebSocket message", zap.Error(err))
			// keep draining so producers never block
			for range send {
			}
			return
		}
	}
}

// readClientMessages blocks until the client goes away, keeping the read deadline fresh on pongs.
func (a *App) readClientMessages(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for ctx.Err() == nil {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				a.Logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			return
		}
	}
}

func trySend(ctx context.Context, send chan<- ServerMessage, msg ServerMessage) bool {
	select {
	case send <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
