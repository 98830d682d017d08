// Package persist mirrors domain caches into a durable key-value slot so a
// cold start can render last-known state before the first connect lands.
//
// The cache stays authoritative for the session. Persistence failures are
// logged and counted, never surfaced to the caller of a cache write.
package persist

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Adapter.Get for an absent slot.
var ErrNotFound = errors.New("persist: slot not found")

// ErrClosed is returned after an adapter or mirror has been closed.
var ErrClosed = errors.New("persist: closed")

// Adapter is the storage contract every engine implements.
type Adapter interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	RemoveAll(ctx context.Context, keys []string) error
	Close() error
}

// DefaultKeyPrefix namespaces snapshot slots.
const DefaultKeyPrefix = "ledgersync/"

// Key returns the slot key for a domain.
func Key(prefix, domain string) string {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return prefix + domain
}

// Keys returns the slot keys for a set of domains.
func Keys(prefix string, domains []string) []string {
	keys := make([]string, 0, len(domains))
	for _, d := range domains {
		keys = append(keys, Key(prefix, d))
	}
	return keys
}

// Discard is an Adapter that stores nothing. Used when persistence is off.
type Discard struct{}

func (Discard) Get(context.Context, string) ([]byte, error) { return nil, ErrNotFound }
func (Discard) Set(context.Context, string, []byte) error   { return nil }
func (Discard) Remove(context.Context, string) error        { return nil }
func (Discard) RemoveAll(context.Context, []string) error   { return nil }
func (Discard) Close() error                                { return nil }
