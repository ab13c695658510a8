package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// renewScript extends the lock only if we still own it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lock only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// lockCmdable is the part of the client a Lock talks to.
type lockCmdable interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	redis.Scripter
}

// Lock is a single-holder lease on a key. Only the instance holding it cranks.
type Lock struct {
	client lockCmdable
	key    string
	token  string
	ttl    time.Duration
}

// NewLock returns a lock on key with a lease of ttl. Each Lock gets its own owner token.
func (c *Client) NewLock(key string, ttl time.Duration) *Lock {
	return newLock(c.client, key, ttl)
}

func newLock(client lockCmdable, key string, ttl time.Duration) *Lock {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return &Lock{client: client, key: key, token: hex.EncodeToString(buf), ttl: ttl}
}

// Acquire takes the lease, or renews it if already held. It reports whether we hold it.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return renewed == 1, nil
}

// Release gives the lease up if we still hold it.
func (l *Lock) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// Key returns the locked key.
func (l *Lock) Key() string { return l.key }
