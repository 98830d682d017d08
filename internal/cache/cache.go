// Package cache holds the in-memory view of one domain. Reads are lock-free
// snapshots; the only writers are push reducers and fallback
// reconstructions, serialized behind a single mutex.
package cache

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/ledgersync/internal/logging"
	"github.com/R3E-Network/ledgersync/internal/metrics"
	"github.com/R3E-Network/ledgersync/internal/protocol"
)

// Source tags what produced a cache value.
type Source string

const (
	SourcePush     Source = "push"
	SourceFallback Source = "fallback"
	SourceHydrate  Source = "hydrate"
	SourceReset    Source = "reset"
)

// Update is delivered to subscribers after every write.
type Update[D any] struct {
	Seq    uint64
	Data   D
	Source Source
}

// FaultError reports a reducer that panicked. The write is dropped.
type FaultError struct {
	Domain    string
	Event     string
	Recovered any
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("reducer %s/%s faulted: %v", e.Domain, e.Event, e.Recovered)
}

type snapshot[D any] struct {
	seq  uint64
	data D
}

// Cache is the state cache of one domain.
type Cache[D any] struct {
	domain string
	def    func() D

	snap atomic.Pointer[snapshot[D]]

	mu     sync.Mutex // serializes writers
	subs   map[int]func(Update[D])
	nextID int

	metrics metrics.Recorder
	log     *logging.Logger
}

// Option configures a Cache.
type Option[D any] func(*Cache[D])

// WithMetrics sets the metrics recorder.
func WithMetrics[D any](m metrics.Recorder) Option[D] {
	return func(c *Cache[D]) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger[D any](l *logging.Logger) Option[D] {
	return func(c *Cache[D]) { c.log = l }
}

// New creates a cache holding def().
func New[D any](domain string, def func() D, opts ...Option[D]) *Cache[D] {
	c := &Cache[D]{
		domain:  domain,
		def:     def,
		subs:    make(map[int]func(Update[D])),
		metrics: metrics.NoOpCollector{},
		log:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.snap.Store(&snapshot[D]{data: def()})
	return c
}

// Data returns the current value. Callers must treat it as read-only.
func (c *Cache[D]) Data() D {
	return c.snap.Load().data
}

// Snapshot returns the current value and its write sequence.
func (c *Cache[D]) Snapshot() (D, uint64) {
	s := c.snap.Load()
	return s.data, s.seq
}

// Seq returns the sequence of the last write.
func (c *Cache[D]) Seq() uint64 {
	return c.snap.Load().seq
}

// ApplyPushEvent runs reducer over the current value. A panicking reducer is
// recovered and the cache is left untouched.
func (c *Cache[D]) ApplyPushEvent(event string, reducer protocol.Reducer[D], payload gjson.Result) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snap.Load()
	next, err := c.reduce(event, reducer, cur.data, payload)
	if err != nil {
		return err
	}
	c.commitLocked(cur.seq, next, SourcePush)
	return nil
}

func (c *Cache[D]) reduce(event string, reducer protocol.Reducer[D], cur D, payload gjson.Result) (next D, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &FaultError{Domain: c.domain, Event: event, Recovered: r}
			c.metrics.RecordReducerFault(c.domain, event)
			c.log.WithField("event", event).WithField("panic", fmt.Sprint(r)).Warn("reducer fault, payload ignored")
		}
	}()
	return reducer(cur, payload), nil
}

// ApplyFallbackSnapshot replaces the value wholesale. Last write wins.
func (c *Cache[D]) ApplyFallbackSnapshot(data D) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitLocked(c.snap.Load().seq, data, SourceFallback)
}

// Hydrate installs a persisted value only if nothing has been written yet.
func (c *Cache[D]) Hydrate(data D) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.snap.Load()
	if cur.seq != 0 {
		return false
	}
	c.commitLocked(cur.seq, data, SourceHydrate)
	return true
}

// Reset restores the default value.
func (c *Cache[D]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitLocked(c.snap.Load().seq, c.def(), SourceReset)
}

func (c *Cache[D]) commitLocked(prevSeq uint64, data D, src Source) {
	s := &snapshot[D]{seq: prevSeq + 1, data: data}
	c.snap.Store(s)

	u := Update[D]{Seq: s.seq, Data: data, Source: src}
	for _, fn := range c.subs {
		fn(u)
	}
}

// Subscribe registers fn for every subsequent write. fn runs synchronously
// in write order and must not write to the cache.
func (c *Cache[D]) Subscribe(fn func(Update[D])) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}
