package persist

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/R3E-Network/ledgersync/internal/events"
	"github.com/R3E-Network/ledgersync/internal/logging"
	"github.com/R3E-Network/ledgersync/internal/metrics"
)

// MirrorConfig wires a Mirror.
type MirrorConfig struct {
	Domain    string
	KeyPrefix string
	Adapter   Adapter
	// WriteTimeout bounds one Set. Zero means 5s.
	WriteTimeout time.Duration

	Metrics metrics.Recorder
	Journal events.Journal
	Logger  *logging.Logger
}

type pending[D any] struct {
	seq  uint64
	data D
}

// Mirror writes the latest cache value to its slot in the background.
// Offers coalesce: only the newest pending value is written. Erase raises a
// sequence floor so a write already in flight can never resurrect the slot.
type Mirror[D any] struct {
	domain  string
	key     string
	adapter Adapter
	timeout time.Duration
	metrics metrics.Recorder
	journal events.Journal
	log     *logging.Logger

	mu      sync.Mutex
	pending *pending[D]
	floor   uint64
	closed  bool

	// writeMu orders slot writes against Erase.
	writeMu sync.Mutex

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewMirror starts a mirror worker.
func NewMirror[D any](cfg MirrorConfig) *Mirror[D] {
	if cfg.Adapter == nil {
		cfg.Adapter = Discard{}
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NoOpCollector{}
	}
	if cfg.Journal == nil {
		cfg.Journal = events.Discard{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	m := &Mirror[D]{
		domain:  cfg.Domain,
		key:     Key(cfg.KeyPrefix, cfg.Domain),
		adapter: cfg.Adapter,
		timeout: cfg.WriteTimeout,
		metrics: cfg.Metrics,
		journal: cfg.Journal,
		log:     cfg.Logger.Named("persist").ForDomain(cfg.Domain),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

// Key returns the slot key.
func (m *Mirror[D]) Key() string { return m.key }

// Offer queues data written at seq. It never blocks on storage.
func (m *Mirror[D]) Offer(seq uint64, data D) {
	m.mu.Lock()
	if m.closed || seq <= m.floor {
		m.mu.Unlock()
		return
	}
	if m.pending == nil || seq > m.pending.seq {
		m.pending = &pending[D]{seq: seq, data: data}
	}
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Load reads the slot. ok is false when the slot is absent or unreadable;
// an unreadable slot is logged and treated as absent.
func (m *Mirror[D]) Load(ctx context.Context) (data D, ok bool, err error) {
	raw, err := m.adapter.Get(ctx, m.key)
	if errors.Is(err, ErrNotFound) {
		return data, false, nil
	}
	m.metrics.RecordPersistence(m.domain, "get", err)
	if err != nil {
		m.failed("get", err)
		return data, false, err
	}

	data, env, err := Decode[D](m.domain, raw)
	if err != nil {
		m.log.WithError(err).Warn("ignoring unreadable snapshot")
		return data, false, nil
	}
	m.log.WithField("saved_at", env.SavedAt).Debug("snapshot loaded")
	return data, true, nil
}

// Erase drops anything pending at or below seq and removes the slot. Once it
// returns, no earlier offer can reach storage.
func (m *Mirror[D]) Erase(ctx context.Context, seq uint64) error {
	m.mu.Lock()
	if seq > m.floor {
		m.floor = seq
	}
	if m.pending != nil && m.pending.seq <= m.floor {
		m.pending = nil
	}
	m.mu.Unlock()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	err := m.adapter.Remove(ctx, m.key)
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	m.metrics.RecordPersistence(m.domain, "remove", err)
	if err != nil {
		m.failed("remove", err)
		return err
	}
	return nil
}

// Flush writes the pending value, if any, synchronously.
func (m *Mirror[D]) Flush(ctx context.Context) error {
	return m.writePending(ctx)
}

// Close stops the worker after a final flush.
func (m *Mirror[D]) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stop)
	<-m.done
	return m.writePending(ctx)
}

func (m *Mirror[D]) run() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case <-m.wake:
			ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
			_ = m.writePending(ctx)
			cancel()
		}
	}
}

func (m *Mirror[D]) writePending(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	p := m.pending
	m.pending = nil
	if p != nil && p.seq <= m.floor {
		p = nil
	}
	m.mu.Unlock()
	if p == nil {
		return nil
	}

	raw, err := Encode(m.domain, p.seq, p.data)
	if err == nil {
		err = m.adapter.Set(ctx, m.key, raw)
	}
	m.metrics.RecordPersistence(m.domain, "set", err)
	if err != nil {
		m.failed("set", err)
		return err
	}
	return nil
}

func (m *Mirror[D]) failed(op string, err error) {
	m.log.WithError(err).WithField("op", op).Warn("persistence failure, cache remains authoritative")
	m.journal.Log(events.NewEvent(events.EventPersistenceError).
		Domain(m.domain).
		Component("persist").
		Meta("op", op).
		ErrorFrom(err).
		Build())
}
