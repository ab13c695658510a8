// Package checkpoint persists crank progress: which epochs are done and which operations were
// submitted but not yet settled. It is what makes a restart resume rather than repeat.
package checkpoint

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/stakepool-labs/cranker/pkg/types"
)

const (
	completePrefix  = "crank:complete:"
	submittedPrefix = "crank:submitted:"
)

// Store records crank progress.
type Store interface {
	IsComplete(ctx context.Context, epoch uint64) (bool, error)
	MarkComplete(ctx context.Context, epoch uint64) error

	// SaveSubmitted journals the handle of an operation that reached the chain.
	SaveSubmitted(ctx context.Context, epoch uint64, va types.VoteAccount, handle string) error
	// Submitted returns the journalled handles of an epoch.
	Submitted(ctx context.Context, epoch uint64) (map[types.VoteAccount]string, error)
	// ClearSubmitted drops a journal entry once its operation is settled.
	ClearSubmitted(ctx context.Context, epoch uint64, va types.VoteAccount) error

	Close() error
}

func completeKey(epoch uint64) string {
	return completePrefix + strconv.FormatUint(epoch, 10)
}

// submittedKey is zero padded so keys of one epoch sort together in LevelDB.
func submittedKey(epoch uint64) string {
	return fmt.Sprintf("%s%020d:", submittedPrefix, epoch)
}

func parseSubmittedKey(key string, epoch uint64) (types.VoteAccount, bool) {
	prefix := submittedKey(epoch)
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	return types.VoteAccount(key[len(prefix):]), true
}

// Open returns the backend named by kind.
func Open(kind, path string, redisClient RedisCmdable) (Store, error) {
	switch kind {
	case "", "leveldb":
		db, err := OpenLevelDB(path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "memory":
		db, err := OpenMemory()
		if err != nil {
			return nil, err
		}
		return db, nil
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("%w: checkpoint backend redis needs a redis connection", types.ErrConfig)
		}
		return NewRedis(redisClient), nil
	default:
		return nil, fmt.Errorf("%w: unknown checkpoint backend %q", types.ErrConfig, kind)
	}
}
