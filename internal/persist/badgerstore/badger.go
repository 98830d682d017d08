// Package badgerstore is the default durable snapshot engine, backed by an
// embedded BadgerDB.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/R3E-Network/ledgersync/internal/logging"
	"github.com/R3E-Network/ledgersync/internal/persist"
)

// Options configures the engine.
type Options struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	// TTL expires snapshots after a period of inactivity. Zero keeps them.
	TTL time.Duration
	// SyncWrites fsyncs every write.
	SyncWrites bool
	// GCDiscardRatio is passed to value log GC. Zero means 0.5.
	GCDiscardRatio float64

	Logger *logging.Logger
}

// Store is a badger-backed persist.Adapter.
type Store struct {
	db     *badger.DB
	opts   Options
	closed atomic.Bool
}

var _ persist.Adapter = (*Store)(nil)

// Open opens or creates the database.
func Open(opts Options) (*Store, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("badgerstore: dir is required")
	}
	if opts.GCDiscardRatio <= 0 {
		opts.GCDiscardRatio = 0.5
	}

	var bo badger.Options
	if opts.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("badgerstore: create dir: %w", err)
		}
		bo = badger.DefaultOptions(opts.Dir)
	}
	bo = bo.WithSyncWrites(opts.SyncWrites).WithNumVersionsToKeep(1)

	// *logrus.Entry already satisfies badger.Logger.
	if opts.Logger != nil {
		bo = bo.WithLogger(opts.Logger.Named("badger").Entry)
	} else {
		bo = bo.WithLogger(nil)
	}

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}
	return &Store{db: db, opts: opts}, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, persist.ErrClosed
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, persist.ErrNotFound
	}
	if err != nil {
		return nil, convertError(err)
	}
	return value, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	if s.closed.Load() {
		return persist.ErrClosed
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value)
		if s.opts.TTL > 0 {
			e = e.WithTTL(s.opts.TTL)
		}
		return txn.SetEntry(e)
	})
	return convertError(err)
}

func (s *Store) Remove(ctx context.Context, key string) error {
	return s.RemoveAll(ctx, []string{key})
}

func (s *Store) RemoveAll(_ context.Context, keys []string) error {
	if s.closed.Load() {
		return persist.ErrClosed
	}
	if len(keys) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete([]byte(k)); err != nil {
			return convertError(err)
		}
	}
	return convertError(wb.Flush())
}

// Keys lists every stored slot key with the given prefix.
func (s *Store) Keys(prefix string) ([]string, error) {
	if s.closed.Load() {
		return nil, persist.ErrClosed
	}
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false, Prefix: []byte(prefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return keys, err
}

// RunGC runs value log GC until there is nothing left to rewrite.
func (s *Store) RunGC() error {
	if s.closed.Load() {
		return persist.ErrClosed
	}
	if s.opts.InMemory {
		return nil
	}
	for {
		err := s.db.RunValueLogGC(s.opts.GCDiscardRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return convertError(err)
		}
	}
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return persist.ErrClosed
	}
	return fmt.Errorf("badgerstore: %w", err)
}
