// Package store assembles a domain store from its protocol table: a cache,
// a fallback fetcher, a supervisor owning the push channel and a persistence
// mirror. Every domain in the daemon is one Store[D].
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/R3E-Network/ledgersync/internal/auth"
	"github.com/R3E-Network/ledgersync/internal/cache"
	"github.com/R3E-Network/ledgersync/internal/events"
	"github.com/R3E-Network/ledgersync/internal/fallback"
	"github.com/R3E-Network/ledgersync/internal/logging"
	"github.com/R3E-Network/ledgersync/internal/metrics"
	"github.com/R3E-Network/ledgersync/internal/persist"
	"github.com/R3E-Network/ledgersync/internal/protocol"
	"github.com/R3E-Network/ledgersync/internal/supervisor"
	"github.com/R3E-Network/ledgersync/internal/transport/pull"
	"github.com/R3E-Network/ledgersync/internal/transport/push"
)

// Lifecycle is the type-erased view of a domain store used by the session
// coordinator and the local API.
type Lifecycle interface {
	ID() string
	Hydrate(ctx context.Context) error
	Initialize(ctx context.Context) error
	Teardown()
	Reset()
	Erase(ctx context.Context) error
	Resync(ctx context.Context) fallback.Report
	Emit(ctx context.Context, event string, payload any) error
	Status() supervisor.Status
	IsPersisted() bool
	View() View
	Close(ctx context.Context) error
}

// View is the UI-facing rendering of a store.
type View struct {
	Domain      string            `json:"domain"`
	Status      supervisor.Status `json:"status"`
	Seq         uint64            `json:"seq"`
	IsPersisted bool              `json:"isPersisted"`
	Data        json.RawMessage   `json:"data"`
}

// Deps are the shared collaborators of every store.
type Deps struct {
	Puller    pull.Puller
	Dialer    push.Dialer
	Tokens    auth.Provider
	Adapter   persist.Adapter
	KeyPrefix string
	// Ephemeral lists domains kept out of storage in addition to tables
	// marked Ephemeral.
	Ephemeral []string
	Fallback  fallback.Config

	Metrics metrics.Recorder
	Journal events.Journal
	Logger  *logging.Logger
}

// Store is one wired domain store.
type Store[D any] struct {
	table     *protocol.Table[D]
	cache     *cache.Cache[D]
	sup       *supervisor.Supervisor[D]
	mirror    *persist.Mirror[D]
	persisted bool // false for ephemeral domains
	journal   events.Journal
	log       *logging.Logger
	unsub     func()
}

var _ Lifecycle = (*Store[struct{}])(nil)

// New wires a store for table.
func New[D any](table *protocol.Table[D], deps Deps) (*Store[D], error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	if deps.Puller == nil || deps.Dialer == nil || deps.Tokens == nil {
		return nil, fmt.Errorf("store %s: puller, dialer and tokens are required", table.Domain)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoOpCollector{}
	}
	if deps.Journal == nil {
		deps.Journal = events.Discard{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}

	c := cache.New(table.Domain, table.Default,
		cache.WithMetrics[D](deps.Metrics),
		cache.WithLogger[D](deps.Logger),
	)
	fetcher := fallback.New(table, deps.Puller, deps.Fallback, deps.Metrics, deps.Logger)
	sup := supervisor.New(supervisor.Deps[D]{
		Table:   table,
		Cache:   c,
		Fetcher: fetcher,
		Dialer:  deps.Dialer,
		Tokens:  deps.Tokens,
		Metrics: deps.Metrics,
		Journal: deps.Journal,
		Logger:  deps.Logger,
	})
	mirror := persist.NewMirror[D](persist.MirrorConfig{
		Domain:    table.Domain,
		KeyPrefix: deps.KeyPrefix,
		Adapter:   deps.Adapter,
		Metrics:   deps.Metrics,
		Journal:   deps.Journal,
		Logger:    deps.Logger,
	})

	s := &Store[D]{
		table:     table,
		cache:     c,
		sup:       sup,
		mirror:    mirror,
		persisted: !table.Ephemeral && !slices.Contains(deps.Ephemeral, table.Domain),
		journal:   deps.Journal,
		log:       deps.Logger.Named("store").ForDomain(table.Domain),
		unsub:     func() {},
	}
	if s.persisted {
		s.unsub = c.Subscribe(func(u cache.Update[D]) {
			if u.Source == cache.SourceHydrate {
				return
			}
			mirror.Offer(u.Seq, u.Data)
		})
	}
	return s, nil
}

// ID returns the domain id.
func (s *Store[D]) ID() string { return s.table.Domain }

// Table returns the protocol table.
func (s *Store[D]) Table() *protocol.Table[D] { return s.table }

// Data returns the current cache value. Treat it as read-only.
func (s *Store[D]) Data() D { return s.cache.Data() }

// Subscribe registers fn for every cache write.
func (s *Store[D]) Subscribe(fn func(cache.Update[D])) func() {
	return s.cache.Subscribe(fn)
}

// IsPersisted reports whether cache writes are mirrored to storage.
func (s *Store[D]) IsPersisted() bool { return s.persisted }

// Hydrate restores the persisted snapshot if the cache is still untouched.
// Ephemeral stores start from defaults.
func (s *Store[D]) Hydrate(ctx context.Context) error {
	if !s.persisted {
		return nil
	}
	data, ok, err := s.mirror.Load(ctx)
	if err != nil {
		return fmt.Errorf("hydrate %s: %w", s.table.Domain, err)
	}
	if !ok {
		return nil
	}
	if s.cache.Hydrate(data) {
		s.journal.Log(events.NewEvent(events.EventStoreHydrated).
			Domain(s.table.Domain).
			Component("persist").
			Build())
		s.log.Debug("cache hydrated from snapshot")
	}
	return nil
}

func (s *Store[D]) Initialize(ctx context.Context) error { return s.sup.Initialize(ctx) }

func (s *Store[D]) Teardown() { s.sup.Teardown() }

// Reset restores the cache defaults.
func (s *Store[D]) Reset() {
	s.cache.Reset()
	s.journal.Log(events.NewEvent(events.EventStoreReset).
		Domain(s.table.Domain).
		Component("store").
		Build())
}

// Erase removes the persisted slot. Writes at or before the current cache
// sequence can no longer reach storage.
func (s *Store[D]) Erase(ctx context.Context) error {
	if !s.persisted {
		return nil
	}
	return s.mirror.Erase(ctx, s.cache.Seq())
}

func (s *Store[D]) Resync(ctx context.Context) fallback.Report { return s.sup.Resync(ctx) }

func (s *Store[D]) Emit(ctx context.Context, event string, payload any) error {
	return s.sup.Emit(ctx, event, payload)
}

func (s *Store[D]) Status() supervisor.Status { return s.sup.Status() }

// View renders the store for the local API.
func (s *Store[D]) View() View {
	data, seq := s.cache.Snapshot()
	raw, err := json.Marshal(data)
	if err != nil {
		s.log.WithError(err).Warn("cache value not serializable")
		raw = json.RawMessage("null")
	}
	return View{
		Domain:      s.table.Domain,
		Status:      s.sup.Status(),
		Seq:         seq,
		IsPersisted: s.persisted,
		Data:        raw,
	}
}

// Close tears the channel down, waits for background fallbacks and flushes
// the mirror.
func (s *Store[D]) Close(ctx context.Context) error {
	s.sup.Teardown()
	s.sup.Wait()
	s.unsub()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.mirror.Close(ctx)
}

// Supervisor exposes the channel supervisor. Used by tests.
func (s *Store[D]) Supervisor() *supervisor.Supervisor[D] { return s.sup }
