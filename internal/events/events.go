// Package events is the sync journal: a bounded, queryable record of channel
// transitions, fallback runs, reducer faults and session boundaries across
// every domain store.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/ledgersync/internal/state"
)

// EventType names what happened. The prefix groups related types.
type EventType string

const (
	EventChannelConnecting   EventType = "channel.connecting"
	EventChannelConnected    EventType = "channel.connected"
	EventChannelDisconnected EventType = "channel.disconnected"
	EventChannelDegraded     EventType = "channel.degraded"
	EventChannelTornDown     EventType = "channel.torn_down"
	EventRefreshEmitted      EventType = "channel.refresh_emitted"
	EventRefreshSuppressed   EventType = "channel.refresh_suppressed"

	EventAuthFailure      EventType = "error.auth"
	EventTransportError   EventType = "error.transport"
	EventApplicationError EventType = "error.application"
	EventReducerFault     EventType = "error.reducer"
	EventPersistenceError EventType = "error.persistence"

	EventFallbackStarted   EventType = "fallback.started"
	EventFallbackCompleted EventType = "fallback.completed"
	EventFallbackDiscarded EventType = "fallback.discarded"

	EventSessionLogin     EventType = "session.login"
	EventSessionLogout    EventType = "session.logout"
	EventSessionReconcile EventType = "session.reconcile"
	EventStoreHydrated    EventType = "store.hydrated"
	EventStoreReset       EventType = "store.reset"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one journal entry.
type Event struct {
	ID         string                `json:"id"`
	Type       EventType             `json:"type"`
	Severity   Severity              `json:"severity"`
	At         time.Time             `json:"at"`
	Domain     string                `json:"domain,omitempty"`
	Component  string                `json:"component,omitempty"`
	State      state.ConnectionState `json:"state"`
	Generation uint64                `json:"generation,omitempty"`
	Message    string                `json:"message,omitempty"`
	Error      string                `json:"error,omitempty"`
	Took       time.Duration         `json:"took_ns,omitempty"`
	Meta       map[string]string     `json:"meta,omitempty"`
}

func (e Event) String() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// Filter selects events by domain and type. Zero fields match anything.
type Filter struct {
	Domain string
	Type   EventType
}

func (f Filter) match(e Event) bool {
	return (f.Domain == "" || f.Domain == e.Domain) && (f.Type == "" || f.Type == e.Type)
}

// Journal records events and answers recency queries.
type Journal interface {
	Log(e Event)
	// Recent returns at most n matching events, newest first.
	Recent(f Filter, n int) []Event
}

// Discard is a Journal that keeps nothing.
type Discard struct{}

func (Discard) Log(Event)                  {}
func (Discard) Recent(Filter, int) []Event { return nil }

// RingBuffer keeps the most recent events in memory.
type RingBuffer struct {
	mu    sync.RWMutex
	slots []Event
	total uint64 // events ever logged; total%len(slots) is the next write
}

var _ Journal = (*RingBuffer)(nil)

// NewRingBuffer returns a journal holding up to size events.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{slots: make([]Event, size)}
}

// Log stamps missing ID, time and severity, then stores e.
func (rb *RingBuffer) Log(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}

	rb.mu.Lock()
	rb.slots[rb.total%uint64(len(rb.slots))] = e
	rb.total++
	rb.mu.Unlock()
}

func (rb *RingBuffer) Recent(f Filter, n int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	size := uint64(len(rb.slots))
	var out []Event
	for i := rb.total; i > 0 && rb.total-i < size && len(out) < n; i-- {
		if e := rb.slots[(i-1)%size]; f.match(e) {
			out = append(out, e)
		}
	}
	return out
}

// Len reports how many events are held.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return int(min(rb.total, uint64(len(rb.slots))))
}

// Builder assembles an Event fluently.
type Builder struct {
	e Event
}

func NewEvent(t EventType) *Builder {
	return &Builder{e: Event{Type: t, Severity: SeverityInfo, At: time.Now().UTC()}}
}

func (b *Builder) Domain(d string) *Builder {
	b.e.Domain = d
	return b
}

func (b *Builder) Component(c string) *Builder {
	b.e.Component = c
	return b
}

func (b *Builder) State(s state.ConnectionState) *Builder {
	b.e.State = s
	return b
}

func (b *Builder) Generation(g uint64) *Builder {
	b.e.Generation = g
	return b
}

func (b *Builder) Severity(s Severity) *Builder {
	b.e.Severity = s
	return b
}

func (b *Builder) Message(m string) *Builder {
	b.e.Message = m
	return b
}

func (b *Builder) Duration(d time.Duration) *Builder {
	b.e.Took = d
	return b
}

// ErrorFrom records err and raises severity to error. A nil err is ignored.
func (b *Builder) ErrorFrom(err error) *Builder {
	if err != nil {
		b.e.Error = err.Error()
		b.e.Severity = SeverityError
	}
	return b
}

func (b *Builder) Meta(k, v string) *Builder {
	if b.e.Meta == nil {
		b.e.Meta = make(map[string]string, 2)
	}
	b.e.Meta[k] = v
	return b
}

func (b *Builder) Build() Event { return b.e }
