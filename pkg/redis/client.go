package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stakepool-labs/cranker/pkg/utils"
	"go.uber.org/zap"
)

// Default stream configuration
const (
	DefaultStreamMaxLen = 1000 // Max cycle reports kept per stream
)

// Options configures the connection. Zero values fall back to the REDIS_* environment.
type Options struct {
	Addr         string
	Password     string
	DB           int
	StreamMaxLen int64
}

// Client wraps the Redis client for cycle notifications, checkpoints and the leader lock.
type Client struct {
	client       *redis.Client
	logger       *zap.Logger
	streamMaxLen int64 // Max entries per stream (0 = unlimited)
}

// NewClient connects and pings Redis.
// Environment fallbacks:
//   - REDIS_HOST / REDIS_PORT: address (default "localhost:6379")
//   - REDIS_PASSWORD: password (default "")
//   - REDIS_DB: database number (default 0)
//   - REDIS_STREAM_MAXLEN: max entries per stream (default 1000, 0 = unlimited)
func NewClient(ctx context.Context, logger *zap.Logger, opts Options) (*Client, error) {
	if opts.Addr == "" {
		opts.Addr = fmt.Sprintf("%s:%s", utils.Env("REDIS_HOST", "localhost"), utils.Env("REDIS_PORT", "6379"))
	}
	if opts.Password == "" {
		opts.Password = utils.Env("REDIS_PASSWORD", "")
	}
	if opts.DB == 0 {
		opts.DB = utils.EnvInt("REDIS_DB", 0)
	}
	if opts.StreamMaxLen == 0 {
		opts.StreamMaxLen = utils.EnvInt64("REDIS_STREAM_MAXLEN", DefaultStreamMaxLen)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.Int64("streamMaxLen", opts.StreamMaxLen))

	return Wrap(rdb, logger, opts.StreamMaxLen), nil
}

// Wrap builds a Client around an existing connection.
func Wrap(rdb *redis.Client, logger *zap.Logger, streamMaxLen int64) *Client {
	return &Client{client: rdb, logger: logger, streamMaxLen: streamMaxLen}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// GetClient returns the underlying Redis client.
func (c *Client) GetClient() *redis.Client {
	return c.client
}

// Publish publishes a message to a Pub/Sub channel.
// Best-effort: errors are logged, never returned, so notifications cannot fail a crank cycle.
func (c *Client) Publish(ctx context.Context, channel string, message interface{}) {
	if err := c.client.Publish(ctx, channel, message).Err(); err != nil {
		c.logger.Warn("Failed to publish Redis message",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// Subscribe subscribes to one or more Pub/Sub channels. The caller closes the returned PubSub.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	c.logger.Debug("Subscribing to Redis channels", zap.Strings("channels", channels))
	return c.client.Subscribe(ctx, channels...)
}

// Health checks if Redis is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// XAdd appends an entry to a stream, capped at MAXLEN when configured.
// Best-effort like Publish: returns the entry ID, or "" on error.
func (c *Client) XAdd(ctx context.Context, stream string, values map[string]interface{}) string {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}

	if c.streamMaxLen > 0 {
		args.MaxLen = c.streamMaxLen
		args.Approx = true
	}

	id, err := c.client.XAdd(ctx, args).Result()
	if err != nil {
		c.logger.Warn("Failed to add to Redis stream",
			zap.String("stream", stream),
			zap.Error(err))
		return ""
	}
	return id
}

// XRevRange returns up to count of the newest entries of a stream, newest first.
func (c *Client) XRevRange(ctx context.Context, stream string, count int64) ([]redis.XMessage, error) {
	return c.client.XRevRangeN(ctx, stream, "+", "-", count).Result()
}
