// Package session drives the lifecycle of every domain store for one
// principal: login brings all channels up, logout tears them down and wipes
// every cache and persisted slot.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/R3E-Network/ledgersync/internal/events"
	"github.com/R3E-Network/ledgersync/internal/fallback"
	"github.com/R3E-Network/ledgersync/internal/logging"
	"github.com/R3E-Network/ledgersync/internal/metrics"
	"github.com/R3E-Network/ledgersync/internal/persist"
	"github.com/R3E-Network/ledgersync/internal/store"
)

var (
	// ErrNotLoggedIn is returned by Reconcile outside a session.
	ErrNotLoggedIn = errors.New("session: not logged in")
	// ErrUnknownStore is returned for an unregistered domain id.
	ErrUnknownStore = errors.New("session: unknown store")
)

// Config wires a Coordinator.
type Config struct {
	Principal string
	// Stores in registration order. Logout walks them in this order.
	Stores    []store.Lifecycle
	Adapter   persist.Adapter
	KeyPrefix string

	Metrics metrics.Recorder
	Journal events.Journal
	Logger  *logging.Logger
}

// Coordinator serializes login, logout and reconciliation on one lifecycle
// lock.
type Coordinator struct {
	principal string
	stores    []store.Lifecycle
	byID      map[string]store.Lifecycle
	adapter   persist.Adapter
	prefix    string
	metrics   metrics.Recorder
	journal   events.Journal
	log       *logging.Logger

	lifecycle sync.Mutex
	active    bool
	hooks     []func()
}

// New creates a coordinator. Store ids must be unique.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Adapter == nil {
		cfg.Adapter = persist.Discard{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NoOpCollector{}
	}
	if cfg.Journal == nil {
		cfg.Journal = events.Discard{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefault("session")
	}

	byID := make(map[string]store.Lifecycle, len(cfg.Stores))
	for _, s := range cfg.Stores {
		if _, dup := byID[s.ID()]; dup {
			return nil, fmt.Errorf("session: duplicate store %q", s.ID())
		}
		byID[s.ID()] = s
	}

	return &Coordinator{
		principal: cfg.Principal,
		stores:    append([]store.Lifecycle(nil), cfg.Stores...),
		byID:      byID,
		adapter:   cfg.Adapter,
		prefix:    cfg.KeyPrefix,
		metrics:   cfg.Metrics,
		journal:   cfg.Journal,
		log:       &logging.Logger{Entry: cfg.Logger.Named("session").WithField("principal", cfg.Principal)},
	}, nil
}

// OnLogout registers fn to run after every store is torn down and reset,
// before the persistence sweep. Used for state kept outside the caches.
func (c *Coordinator) OnLogout(fn func()) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Active reports whether a session is open.
func (c *Coordinator) Active() bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.active
}

// Stores returns the stores in registration order.
func (c *Coordinator) Stores() []store.Lifecycle {
	return append([]store.Lifecycle(nil), c.stores...)
}

// Store looks a store up by domain id.
func (c *Coordinator) Store(id string) (store.Lifecycle, error) {
	s, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, id)
	}
	return s, nil
}

// Login restores persisted snapshots and brings every channel up in
// parallel. Per-domain failures leave that store Degraded with its fallback
// running; they are logged, not returned. Login on an open session is a
// no-op.
func (c *Coordinator) Login(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.active {
		return nil
	}
	start := time.Now()

	for _, s := range c.stores {
		if err := s.Hydrate(ctx); err != nil {
			c.log.WithError(err).WithField("domain", s.ID()).Warn("snapshot restore failed")
		}
	}

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	for _, s := range c.stores {
		s := s
		g.Go(func() error {
			if err := s.Initialize(gctx); err != nil {
				c.log.WithError(err).WithField("domain", s.ID()).Warn("channel initialization failed; degraded")
			}
			return nil
		})
	}
	_ = g.Wait()

	c.active = true
	took := time.Since(start)
	c.metrics.RecordSession("login", took, nil)
	c.journal.Log(events.NewEvent(events.EventSessionLogin).
		Component("session").
		Duration(took).
		Meta("principal", c.principal).
		Meta("stores", fmt.Sprint(len(c.stores))).
		Build())
	c.log.WithField("took", took).Info("session started")
	return nil
}

// Logout tears every store down in registration order, resets its cache and
// erases its slot, then sweeps all slots. Every step runs regardless of
// earlier failures; the aggregated error is informational. A following
// Login waits until the sweep is done.
func (c *Coordinator) Logout(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	start := time.Now()

	var errs error
	for _, s := range c.stores {
		s.Teardown()
		s.Reset()
		if err := s.Erase(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("erase %s: %w", s.ID(), err))
		}
	}
	for _, fn := range c.hooks {
		fn()
	}
	if err := c.eraseAll(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}

	c.active = false
	took := time.Since(start)
	c.metrics.RecordSession("logout", took, errs)

	b := events.NewEvent(events.EventSessionLogout).
		Component("session").
		Duration(took).
		Meta("principal", c.principal)
	if errs != nil {
		b = b.ErrorFrom(errs).Severity(events.SeverityWarning)
		c.log.WithError(errs).Warn("session ended with persistence errors")
	} else {
		c.log.WithField("took", took).Info("session ended")
	}
	c.journal.Log(b.Build())
	return errs
}

// EraseAll removes every domain slot. It only touches storage; live caches
// are untouched.
func (c *Coordinator) EraseAll(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.eraseAll(ctx)
}

func (c *Coordinator) eraseAll(ctx context.Context) error {
	ids := make([]string, 0, len(c.stores))
	for _, s := range c.stores {
		ids = append(ids, s.ID())
	}
	if err := c.adapter.RemoveAll(ctx, persist.Keys(c.prefix, ids)); err != nil {
		return fmt.Errorf("erase all slots: %w", err)
	}
	return nil
}

// Reconcile runs a fallback on every store and returns the reports by
// domain. It holds the lifecycle lock so no result can land after logout.
func (c *Coordinator) Reconcile(ctx context.Context) (map[string]fallback.Report, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if !c.active {
		return nil, ErrNotLoggedIn
	}
	start := time.Now()

	var mu sync.Mutex
	reports := make(map[string]fallback.Report, len(c.stores))
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range c.stores {
		s := s
		g.Go(func() error {
			rep := s.Resync(gctx)
			mu.Lock()
			reports[s.ID()] = rep
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	partial := 0
	for _, rep := range reports {
		if rep.Partial() {
			partial++
		}
	}
	took := time.Since(start)
	c.metrics.RecordSession("reconcile", took, nil)
	c.journal.Log(events.NewEvent(events.EventSessionReconcile).
		Component("session").
		Duration(took).
		Meta("partial", fmt.Sprint(partial)).
		Build())
	c.log.WithField("took", took).WithField("partial", partial).Debug("reconciled")
	return reports, nil
}

// Close tears down and flushes every store without erasing anything, for
// process shutdown.
func (c *Coordinator) Close(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	var errs error
	for _, s := range c.stores {
		errs = multierr.Append(errs, s.Close(ctx))
	}
	c.active = false
	return errs
}
