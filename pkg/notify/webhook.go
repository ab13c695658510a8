// Package notify posts operator alerts to a chat webhook (Slack-compatible incoming webhook).
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stakepool-labs/cranker/pkg/retry"
	"github.com/stakepool-labs/cranker/pkg/types"
	"github.com/stakepool-labs/cranker/pkg/utils"
)

// Config configures the webhook.
type Config struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// Abandoned is one operation that ran out of retries.
type Abandoned struct {
	VoteAccount string `json:"vote_account"`
	Kind        string `json:"kind"`
	Lamports    uint64 `json:"lamports"`
	Error       string `json:"error,omitempty"`
}

// Alert is what gets posted. Text is what chat clients render; the rest is for machines.
type Alert struct {
	Text      string      `json:"text"`
	Cluster   string      `json:"cluster"`
	Pool      string      `json:"pool"`
	Epoch     uint64      `json:"epoch"`
	Result    string      `json:"result"`
	Error     string      `json:"error,omitempty"`
	Abandoned []Abandoned `json:"abandoned,omitempty"`
}

// StatusError is a non-2xx webhook answer.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook answered %d: %s", e.Status, e.Body)
}

// Webhook posts alerts with a bounded retry.
type Webhook struct {
	url    string
	http   *http.Client
	retry  retry.Config
	logger *zap.Logger
	sleep  retry.SleepFunc
}

// New returns a Webhook. URL must be an absolute http(s) URL.
func New(cfg Config, logger *zap.Logger) (*Webhook, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: alert webhook url is not an http(s) URL", types.ErrConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Webhook{
		url:  cfg.URL,
		http: hc,
		retry: retry.Config{
			MaxRetries:    1 + cfg.MaxRetries,
			InitialDelay:  500 * time.Millisecond,
			MaxDelay:      5 * time.Second,
			Multiplier:    2,
			JitterEnabled: true,
		},
		logger: logger.With(zap.String("component", "notify")),
		sleep:  retry.Sleep,
	}, nil
}

// WithSleep replaces the backoff sleep.
func (w *Webhook) WithSleep(sleep retry.SleepFunc) *Webhook {
	w.sleep = sleep
	return w
}

// Notify posts a. Rate limits, 5xx and transport failures are retried; other answers are not.
func (w *Webhook) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return retry.WithBackoffSleep(ctx, w.retry, w.logger, "alert webhook", w.sleep, func() error {
		err := w.post(ctx, body)
		var se *StatusError
		if errors.As(err, &se) && !utils.RetryableStatus(se.Status) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return nil
}
