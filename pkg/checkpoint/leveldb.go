package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/stakepool-labs/cranker/pkg/types"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB keeps checkpoints in a local LevelDB directory.
type LevelDB struct {
	conn *leveldb.DB
}

// OpenLevelDB opens (or creates) the store at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: checkpoint path is empty", types.ErrConfig)
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db %s: %w", path, err)
	}
	return &LevelDB{conn: db}, nil
}

// OpenMemory returns a LevelDB store backed by memory. Nothing survives Close.
func OpenMemory() (*LevelDB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{conn: db}, nil
}

func (l *LevelDB) IsComplete(_ context.Context, epoch uint64) (bool, error) {
	ok, err := l.conn.Has([]byte(completeKey(epoch)), nil)
	if err != nil {
		return false, fmt.Errorf("read completion of epoch %d: %w", epoch, err)
	}
	return ok, nil
}

func (l *LevelDB) MarkComplete(_ context.Context, epoch uint64) error {
	return l.conn.Put([]byte(completeKey(epoch)), []byte{1}, &opt.WriteOptions{Sync: true})
}

func (l *LevelDB) SaveSubmitted(_ context.Context, epoch uint64, va types.VoteAccount, handle string) error {
	return l.conn.Put([]byte(submittedKey(epoch)+string(va)), []byte(handle), &opt.WriteOptions{Sync: true})
}

func (l *LevelDB) Submitted(_ context.Context, epoch uint64) (map[types.VoteAccount]string, error) {
	out := map[types.VoteAccount]string{}
	it := l.conn.NewIterator(util.BytesPrefix([]byte(submittedKey(epoch))), nil)
	defer it.Release()
	for it.Next() {
		va, ok := parseSubmittedKey(string(it.Key()), epoch)
		if !ok {
			continue
		}
		out[va] = string(it.Value())
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("scan journal of epoch %d: %w", epoch, err)
	}
	return out, nil
}

func (l *LevelDB) ClearSubmitted(_ context.Context, epoch uint64, va types.VoteAccount) error {
	err := l.conn.Delete([]byte(submittedKey(epoch)+string(va)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	return err
}

// Close safely closes the LevelDB connection
func (l *LevelDB) Close() error {
	return l.conn.Close()
}
