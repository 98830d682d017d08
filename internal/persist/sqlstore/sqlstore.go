// Package sqlstore keeps snapshots in a single SQL table. It runs on sqlite3
// for a local file and on postgres for a shared deployment.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/R3E-Network/ledgersync/internal/persist"
)

//go:embed schema.sql
var schema string

// Table is the snapshot table name.
const Table = "ledgersync_snapshots"

// Store is a sqlx-backed persist.Adapter.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ persist.Adapter = (*Store)(nil)

// Open connects with driver ("sqlite3" or "postgres") and migrates.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// Each sqlite connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: ping %s: %w", driver, err)
	}

	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle without migrating.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates the snapshot table if needed.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.db.GetContext(ctx, &value, s.db.Rebind(`SELECT value FROM `+Table+` WHERE slot = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persist.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get %s: %w", key, err)
	}
	return []byte(value), nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	q := s.db.Rebind(`INSERT INTO ` + Table + ` (slot, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (slot) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, q, key, string(value), s.now()); err != nil {
		return fmt.Errorf("sqlstore: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM `+Table+` WHERE slot = ?`), key); err != nil {
		return fmt.Errorf("sqlstore: remove %s: %w", key, err)
	}
	return nil
}

func (s *Store) RemoveAll(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	q, args, err := sqlx.In(`DELETE FROM `+Table+` WHERE slot IN (?)`, keys)
	if err != nil {
		return fmt.Errorf("sqlstore: remove all: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...); err != nil {
		return fmt.Errorf("sqlstore: remove all: %w", err)
	}
	return nil
}

// Slot is one row of the snapshot table.
type Slot struct {
	Key       string    `db:"slot"`
	UpdatedAt time.Time `db:"updated_at"`
}

// List returns slot metadata ordered by key.
func (s *Store) List(ctx context.Context) ([]Slot, error) {
	var slots []Slot
	if err := s.db.SelectContext(ctx, &slots, `SELECT slot, updated_at FROM `+Table+` ORDER BY slot`); err != nil {
		return nil, fmt.Errorf("sqlstore: list: %w", err)
	}
	return slots, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
