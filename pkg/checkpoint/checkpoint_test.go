package checkpoint_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stakepool-labs/cranker/pkg/checkpoint"
	"github.com/stakepool-labs/cranker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, store checkpoint.Store) {
	ctx := context.Background()

	done, err := store.IsComplete(ctx, 9)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, store.MarkComplete(ctx, 9))
	done, err = store.IsComplete(ctx, 9)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = store.IsComplete(ctx, 90)
	require.NoError(t, err)
	assert.False(t, done, "epoch 90 must not match the marker of epoch 9")

	require.NoError(t, store.SaveSubmitted(ctx, 9, "a", "sig-1"))
	require.NoError(t, store.SaveSubmitted(ctx, 9, "b", "sig-2"))
	require.NoError(t, store.SaveSubmitted(ctx, 10, "a", "sig-3"))
	require.NoError(t, store.SaveSubmitted(ctx, 9, "a", "sig-4"))

	journal, err := store.Submitted(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, map[types.VoteAccount]string{"a": "sig-4", "b": "sig-2"}, journal)

	require.NoError(t, store.ClearSubmitted(ctx, 9, "a"))
	require.NoError(t, store.ClearSubmitted(ctx, 9, "missing"))
	journal, err = store.Submitted(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, map[types.VoteAccount]string{"b": "sig-2"}, journal)
}

func TestMemoryStore(t *testing.T) {
	store, err := checkpoint.OpenMemory()
	require.NoError(t, err)
	defer store.Close()

	exerciseStore(t, store)
}

func TestLevelDBSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	store, err := checkpoint.Open("leveldb", dir, nil)
	require.NoError(t, err)
	exerciseStore(t, store)
	require.NoError(t, store.Close())

	reopened, err := checkpoint.OpenLevelDB(dir)
	require.NoError(t, err)
	defer reopened.Close()

	done, err := reopened.IsComplete(context.Background(), 9)
	require.NoError(t, err)
	assert.True(t, done)

	journal, err := reopened.Submitted(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, map[types.VoteAccount]string{"b": "sig-2"}, journal)
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := checkpoint.Open("etcd", "", nil)
	assert.ErrorIs(t, err, types.ErrConfig)

	_, err = checkpoint.Open("redis", "", nil)
	assert.ErrorIs(t, err, types.ErrConfig)

	_, err = checkpoint.Open("leveldb", "", nil)
	assert.ErrorIs(t, err, types.ErrConfig)
}

type mockRedis struct {
	mock.Mock
}

func (m *mockRedis) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	args := m.Called(ctx, keys)
	return redis.NewIntResult(int64(args.Int(0)), args.Error(1))
}

func (m *mockRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	args := m.Called(ctx, key, value, expiration)
	return redis.NewStatusResult("OK", args.Error(0))
}

func (m *mockRedis) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	args := m.Called(ctx, key, values)
	return redis.NewIntResult(1, args.Error(0))
}

func (m *mockRedis) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	args := m.Called(ctx, key)
	return redis.NewMapStringStringResult(args.Get(0).(map[string]string), args.Error(1))
}

func (m *mockRedis) HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd {
	args := m.Called(ctx, key, fields)
	return redis.NewIntResult(1, args.Error(0))
}

func TestRedisStoreKeys(t *testing.T) {
	ctx := context.Background()
	rdb := &mockRedis{}
	journalKey := "crank:submitted:00000000000000000009:"

	rdb.On("Exists", ctx, []string{"crank:complete:9"}).Return(1, nil)
	rdb.On("Set", ctx, "crank:complete:9", "9", time.Duration(0)).Return(nil)
	rdb.On("HSet", ctx, journalKey, []interface{}{"a", "sig-1"}).Return(nil)
	rdb.On("HGetAll", ctx, journalKey).Return(map[string]string{"a": "sig-1"}, nil)
	rdb.On("HDel", ctx, journalKey, []string{"a"}).Return(nil)

	store := checkpoint.NewRedis(rdb)

	done, err := store.IsComplete(ctx, 9)
	require.NoError(t, err)
	assert.True(t, done)
	require.NoError(t, store.MarkComplete(ctx, 9))
	require.NoError(t, store.SaveSubmitted(ctx, 9, "a", "sig-1"))

	journal, err := store.Submitted(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, map[types.VoteAccount]string{"a": "sig-1"}, journal)
	require.NoError(t, store.ClearSubmitted(ctx, 9, "a"))

	rdb.AssertExpectations(t)
}
