package checkpoint

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stakepool-labs/cranker/pkg/types"
)

// RedisCmdable is the subset of go-redis used here. *redis.Client satisfies it.
type RedisCmdable interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
}

// Redis keeps checkpoints in Redis so a standby instance picks up where the leader stopped.
// Completion markers live in plain keys; each epoch's journal is one hash keyed by vote account.
type Redis struct {
	client RedisCmdable
}

// NewRedis returns a Redis-backed store.
func NewRedis(client RedisCmdable) *Redis {
	return &Redis{client: client}
}

func (r *Redis) IsComplete(ctx context.Context, epoch uint64) (bool, error) {
	n, err := r.client.Exists(ctx, completeKey(epoch)).Result()
	if err != nil {
		return false, fmt.Errorf("read completion of epoch %d: %w", epoch, err)
	}
	return n > 0, nil
}

func (r *Redis) MarkComplete(ctx context.Context, epoch uint64) error {
	return r.client.Set(ctx, completeKey(epoch), strconv.FormatUint(epoch, 10), 0).Err()
}

func (r *Redis) SaveSubmitted(ctx context.Context, epoch uint64, va types.VoteAccount, handle string) error {
	return r.client.HSet(ctx, submittedKey(epoch), string(va), handle).Err()
}

func (r *Redis) Submitted(ctx context.Context, epoch uint64) (map[types.VoteAccount]string, error) {
	raw, err := r.client.HGetAll(ctx, submittedKey(epoch)).Result()
	if err != nil {
		return nil, fmt.Errorf("read journal of epoch %d: %w", epoch, err)
	}
	out := make(map[types.VoteAccount]string, len(raw))
	for va, handle := range raw {
		out[types.VoteAccount(va)] = handle
	}
	return out, nil
}

func (r *Redis) ClearSubmitted(ctx context.Context, epoch uint64, va types.VoteAccount) error {
	return r.client.HDel(ctx, submittedKey(epoch), string(va)).Err()
}

// Close is a no-op: the connection belongs to the caller.
func (r *Redis) Close() error { return nil }
