// Package supervisor owns the push channel of one domain store.
//
// A Supervisor holds at most one push.Session. Every (re)initialization
// and teardown bumps a generation counter under the supervisor mutex; channel
// callbacks and background fallback results carry the generation they were
// created under and are dropped on mismatch, so nothing delivered after
// Teardown returns can reach the cache.
package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/ledgersync/internal/auth"
	"github.com/R3E-Network/ledgersync/internal/cache"
	"github.com/R3E-Network/ledgersync/internal/events"
	"github.com/R3E-Network/ledgersync/internal/fallback"
	"github.com/R3E-Network/ledgersync/internal/logging"
	"github.com/R3E-Network/ledgersync/internal/metrics"
	"github.com/R3E-Network/ledgersync/internal/protocol"
	"github.com/R3E-Network/ledgersync/internal/state"
	"github.com/R3E-Network/ledgersync/internal/transport/push"
)

// Fallback triggers.
const (
	TriggerColdStart = "cold_start"
	TriggerAuth      = "auth_failure"
	TriggerTransport = "transport_error"
	TriggerAppError  = "app_error"
	TriggerResync    = "resync"
)

// Deps wires a Supervisor.
type Deps[D any] struct {
	Table   *protocol.Table[D]
	Cache   *cache.Cache[D]
	Fetcher *fallback.Fetcher[D]
	Dialer  push.Dialer
	Tokens  auth.Provider

	Metrics metrics.Recorder
	Journal events.Journal
	Logger  *logging.Logger

	// EmitTimeout bounds each outbound frame. Zero means 10s.
	EmitTimeout time.Duration
}

// Status is the UI-facing view of a supervisor.
type Status struct {
	Domain       string                `json:"domain"`
	State        state.ConnectionState `json:"connectionState"`
	LastError    *ErrorInfo            `json:"lastError,omitempty"`
	Generation   uint64                `json:"generation"`
	LastFallback *fallback.Report      `json:"lastFallback,omitempty"`
	ConnectedAt  time.Time             `json:"connectedAt,omitempty"`
}

// Supervisor manages the channel lifecycle of one domain.
type Supervisor[D any] struct {
	domain      string
	table       *protocol.Table[D]
	cache       *cache.Cache[D]
	fetcher     *fallback.Fetcher[D]
	dialer      push.Dialer
	tokens      auth.Provider
	metrics     metrics.Recorder
	journal     events.Journal
	log         *logging.Logger
	emitTimeout time.Duration

	mu          sync.Mutex
	gen         uint64
	genCtx      context.Context
	genCancel   context.CancelFunc
	session     push.Session
	emitter     push.Emitter
	state       state.ConnectionState
	lastErr     *ErrorInfo
	lastReport  *fallback.Report
	connectedAt time.Time
	// degradedFallback is set once the current Degraded entry has scheduled
	// its fallback run.
	degradedFallback bool
	// needsResync is true until the first initialization after construction
	// or teardown has scheduled a cold-start fallback.
	needsResync bool
	// coldStartCovers marks a scheduled cold-start run as the fallback owed
	// to the first Degraded entry of its generation. Cleared on connect.
	coldStartCovers bool

	// refreshing holds the generation whose refresh burst is in flight, 0 if none.
	refreshing atomic.Uint64
	fallbacks  sync.WaitGroup
}

// New creates a supervisor in the Disconnected state.
func New[D any](deps Deps[D]) *Supervisor[D] {
	rec := deps.Metrics
	if rec == nil {
		rec = metrics.NoOpCollector{}
	}
	journal := deps.Journal
	if journal == nil {
		journal = events.Discard{}
	}
	log := deps.Logger
	if log == nil {
		log = logging.Discard()
	}
	emitTimeout := deps.EmitTimeout
	if emitTimeout <= 0 {
		emitTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor[D]{
		domain:      deps.Table.Domain,
		table:       deps.Table,
		cache:       deps.Cache,
		fetcher:     deps.Fetcher,
		dialer:      deps.Dialer,
		tokens:      deps.Tokens,
		metrics:     rec,
		journal:     journal,
		log:         log.Named("supervisor").ForDomain(deps.Table.Domain),
		emitTimeout: emitTimeout,
		genCtx:      ctx,
		genCancel:   cancel,
		state:       state.Disconnected,
		needsResync: true,
	}
	rec.RecordState(s.domain, state.Disconnected)
	return s
}

// Initialize obtains a credential and opens the domain channel, tearing
// down any previous one first. The connection outcome arrives
// asynchronously; the returned error is informational (auth failure or
// dial rejection) and has already been recorded as lastError.
func (s *Supervisor[D]) Initialize(ctx context.Context) error {
	s.mu.Lock()
	old := s.detachLocked()
	gen := s.gen
	s.setStateLocked(state.Connecting, "")
	coldStart := s.needsResync
	s.needsResync = false
	s.mu.Unlock()

	closeSession(old, s.log)

	start := time.Now()
	tok, err := s.tokens.Token(ctx)
	if err != nil {
		s.metrics.RecordHandshake(s.domain, time.Since(start), err)
		info := NewErrorInfo(KindAuthFailure, "", err)

		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.gen {
			return nil
		}
		s.lastErr = info
		s.journalLocked(events.NewEvent(events.EventAuthFailure).ErrorFrom(err))
		s.log.WithError(err).Warn("credential unavailable, degrading to pull channel")
		s.enterDegradedLocked(gen, TriggerAuth)
		return info
	}

	if coldStart {
		s.mu.Lock()
		if gen == s.gen {
			s.scheduleFallbackLocked(gen, TriggerColdStart)
			s.coldStartCovers = true
		}
		s.mu.Unlock()
	}

	var used atomic.Bool
	creds := func(ctx context.Context) (string, error) {
		if used.CompareAndSwap(false, true) {
			return tok.AccessToken, nil
		}
		t, err := s.tokens.Token(ctx)
		if err != nil {
			return "", err
		}
		return t.AccessToken, nil
	}

	sess, err := s.dialer.Open(ctx, push.Options{
		Namespace:   s.table.Namespace,
		Domain:      s.domain,
		Credentials: creds,
	}, &listener[D]{s: s, gen: gen, started: start})

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		closeSession(sess, s.log)
		return nil
	}
	if err != nil {
		info := NewErrorInfo(KindTransport, "open", err)
		s.lastErr = info
		s.journalLocked(events.NewEvent(events.EventTransportError).ErrorFrom(err))
		s.enterDegradedLocked(gen, TriggerTransport)
		s.mu.Unlock()
		return info
	}
	s.session = sess
	s.mu.Unlock()
	return nil
}

// Teardown detaches all listeners and closes the channel. It is idempotent.
// After it returns no earlier callback or fallback can mutate the cache.
func (s *Supervisor[D]) Teardown() {
	s.mu.Lock()
	old := s.detachLocked()
	s.needsResync = true
	s.setStateLocked(state.Disconnected, "teardown")
	if old != nil {
		s.journalLocked(events.NewEvent(events.EventChannelTornDown))
	}
	s.mu.Unlock()

	closeSession(old, s.log)
}

// detachLocked invalidates the current generation and returns the session
// the caller must close outside the lock.
func (s *Supervisor[D]) detachLocked() push.Session {
	s.gen++
	s.genCancel()
	s.genCtx, s.genCancel = context.WithCancel(context.Background())

	old := s.session
	s.session = nil
	s.emitter = nil
	s.degradedFallback = false
	s.coldStartCovers = false
	s.refreshing.Store(0)
	return old
}

func closeSession(sess push.Session, log *logging.Logger) {
	if sess == nil {
		return
	}
	if err := sess.Close(); err != nil {
		log.WithError(err).Debug("closing push session")
	}
}

// Resync runs a fallback synchronously and, when the channel is live,
// re-emits the refresh burst. Used by scheduled reconciliation.
func (s *Supervisor[D]) Resync(ctx context.Context) fallback.Report {
	s.mu.Lock()
	gen := s.gen
	genCtx := s.genCtx
	s.mu.Unlock()

	runCtx, cancel := mergeCancel(ctx, genCtx)
	defer cancel()
	rep := s.runFallback(runCtx, gen, TriggerResync)

	s.mu.Lock()
	e := s.emitter
	live := gen == s.gen && e != nil
	s.mu.Unlock()
	if live {
		s.emitRefresh(gen, e, s.table.RefreshRequests, TriggerResync)
	}
	return rep
}

// Emit sends an outbound frame on the live channel.
func (s *Supervisor[D]) Emit(ctx context.Context, event string, payload any) error {
	s.mu.Lock()
	e := s.emitter
	s.mu.Unlock()
	if e == nil {
		return ErrNotConnected
	}
	return e.Emit(ctx, event, payload)
}

// Status returns a copy of the supervisor status.
func (s *Supervisor[D]) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Domain:      s.domain,
		State:       s.state,
		Generation:  s.gen,
		ConnectedAt: s.connectedAt,
	}
	if s.lastErr != nil {
		e := *s.lastErr
		st.LastError = &e
	}
	if s.lastReport != nil {
		r := *s.lastReport
		st.LastFallback = &r
	}
	return st
}

// State returns the current connection state.
func (s *Supervisor[D]) State() state.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generation returns the current generation.
func (s *Supervisor[D]) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Wait blocks until every background fallback has finished. Used by
// tests and shutdown.
func (s *Supervisor[D]) Wait() {
	s.fallbacks.Wait()
}

func (s *Supervisor[D]) setStateLocked(next state.ConnectionState, reason string) {
	prev := s.state
	if prev == next {
		return
	}
	if !prev.CanTransition(next) {
		s.log.WithField("from", prev.String()).WithField("to", next.String()).Warn("unexpected state transition")
	}
	s.state = next
	if next == state.Connected {
		s.connectedAt = time.Now().UTC()
	}
	s.metrics.RecordTransition(s.domain, prev, next)

	var typ events.EventType
	switch next {
	case state.Connecting:
		typ = events.EventChannelConnecting
	case state.Connected:
		typ = events.EventChannelConnected
	case state.Degraded:
		typ = events.EventChannelDegraded
	default:
		typ = events.EventChannelDisconnected
	}
	b := events.NewEvent(typ).Message(reason)
	if next == state.Degraded {
		b.Severity(events.SeverityWarning)
	}
	s.journalLocked(b)
}

// enterDegradedLocked moves to Degraded and schedules the single fallback
// run owed to this Degraded entry.
func (s *Supervisor[D]) enterDegradedLocked(gen uint64, trigger string) {
	if s.state != state.Degraded {
		s.degradedFallback = false
	}
	s.setStateLocked(state.Degraded, trigger)
	if !s.degradedFallback && s.coldStartCovers {
		s.coldStartCovers = false
		s.degradedFallback = true
		s.log.WithField("trigger", trigger).Debug("cold-start fallback covers this degraded period")
		return
	}
	if s.degradedFallback {
		s.log.WithField("trigger", trigger).Debug("fallback already scheduled for this degraded period")
		return
	}
	s.degradedFallback = true
	s.scheduleFallbackLocked(gen, trigger)
}

func (s *Supervisor[D]) scheduleFallbackLocked(gen uint64, trigger string) {
	ctx := s.genCtx
	s.fallbacks.Add(1)
	s.journalLocked(events.NewEvent(events.EventFallbackStarted).Meta("trigger", trigger))
	go func() {
		defer s.fallbacks.Done()
		s.runFallback(ctx, gen, trigger)
	}()
}

func (s *Supervisor[D]) runFallback(ctx context.Context, gen uint64, trigger string) fallback.Report {
	prev := s.cache.Data()
	data, rep := s.fetcher.Run(logging.WithDomain(ctx, s.domain), prev, trigger)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || ctx.Err() != nil {
		s.metrics.RecordFallbackDiscarded(s.domain)
		s.journalLocked(events.NewEvent(events.EventFallbackDiscarded).
			Meta("trigger", trigger).
			Duration(rep.Duration))
		return rep
	}

	s.cache.ApplyFallbackSnapshot(data)
	s.lastReport = &rep

	b := events.NewEvent(events.EventFallbackCompleted).
		Meta("trigger", trigger).
		Duration(rep.Duration)
	if rep.Partial() {
		b.Severity(events.SeverityWarning).Meta("defaulted", joinNames(rep.Defaulted))
	}
	s.journalLocked(b)

	// A Degraded store whose channel is still live resolves once its
	// fallback has landed.
	if s.state == state.Degraded && s.emitter != nil {
		s.setStateLocked(state.Connected, "fallback completed on live channel")
	}
	return rep
}

func (s *Supervisor[D]) emitRefresh(gen uint64, e push.Emitter, requests []string, cause string) {
	if len(requests) == 0 {
		return
	}
	if !s.refreshing.CompareAndSwap(0, gen) {
		s.metrics.RecordRefresh(s.domain, true)
		s.mu.Lock()
		s.journalLocked(events.NewEvent(events.EventRefreshSuppressed).Meta("cause", cause))
		s.mu.Unlock()
		return
	}
	defer s.refreshing.CompareAndSwap(gen, 0)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(s.genCtx, s.emitTimeout)
	s.mu.Unlock()
	defer cancel()

	for _, req := range requests {
		if err := e.Emit(ctx, req, nil); err != nil {
			s.log.WithError(err).WithField("request", req).Warn("refresh request not sent")
			return
		}
	}
	s.metrics.RecordRefresh(s.domain, false)

	s.mu.Lock()
	if gen == s.gen {
		s.journalLocked(events.NewEvent(events.EventRefreshEmitted).
			Meta("cause", cause).
			Meta("requests", joinNames(requests)))
	}
	s.mu.Unlock()
}

func (s *Supervisor[D]) journalLocked(b *events.Builder) {
	s.journal.Log(b.Domain(s.domain).
		Component("supervisor").
		State(s.state).
		Generation(s.gen).
		Build())
}

// listener adapts push callbacks to one supervisor generation.
type listener[D any] struct {
	s       *Supervisor[D]
	gen     uint64
	started time.Time
	once    sync.Once
}

var _ push.Handler = (*listener[struct{}])(nil)

func (l *listener[D]) OnConnect(e push.Emitter) {
	s := l.s
	l.once.Do(func() {
		s.metrics.RecordHandshake(s.domain, time.Since(l.started), nil)
	})

	s.mu.Lock()
	if l.gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.emitter = e
	s.lastErr = nil
	s.degradedFallback = false
	s.coldStartCovers = false
	s.setStateLocked(state.Connected, "")
	s.mu.Unlock()

	s.log.Info("push channel connected")
	s.emitRefresh(l.gen, e, s.table.RefreshRequests, "connect")
}

func (l *listener[D]) OnDisconnect(reason string) {
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.gen != s.gen {
		return
	}
	s.emitter = nil
	s.setStateLocked(state.Disconnected, reason)
	s.log.WithField("reason", reason).Info("push channel disconnected, cache retained")
}

func (l *listener[D]) OnError(err error) {
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.gen != s.gen {
		return
	}
	s.emitter = nil

	kind, trigger, typ := KindTransport, TriggerTransport, events.EventTransportError
	if push.IsAuthError(err) {
		kind, trigger, typ = KindAuthFailure, TriggerAuth, events.EventAuthFailure
	}
	s.lastErr = NewErrorInfo(kind, "", err)
	s.journalLocked(events.NewEvent(typ).ErrorFrom(err))
	s.enterDegradedLocked(l.gen, trigger)
}

func (l *listener[D]) OnEvent(name string, payload []byte) {
	s := l.s
	s.mu.Lock()
	if l.gen != s.gen {
		s.mu.Unlock()
		return
	}

	body := protocol.ParsePayload(payload)
	if s.table.IsErrorEvent(name) {
		s.metrics.RecordPushEvent(s.domain, name, true)
		s.handleAppErrorLocked(body)
		s.mu.Unlock()
		return
	}

	spec, ok := s.table.Lookup(name)
	s.metrics.RecordPushEvent(s.domain, name, ok)
	if !ok {
		s.mu.Unlock()
		s.log.WithField("event", name).Debug("ignoring unknown push event")
		return
	}

	// Applying under s.mu orders the write against Teardown.
	if err := s.cache.ApplyPushEvent(name, spec.Reduce, body); err != nil {
		var fault *cache.FaultError
		if errors.As(err, &fault) {
			s.journalLocked(events.NewEvent(events.EventReducerFault).
				Severity(events.SeverityWarning).
				Meta("event", name).
				Message(fault.Error()))
		}
	}
	e := s.emitter
	s.mu.Unlock()

	if len(spec.Refresh) > 0 && e != nil {
		s.emitRefresh(l.gen, e, spec.Refresh, name)
	}
}

func (s *Supervisor[D]) handleAppErrorLocked(body gjson.Result) {
	ae := s.table.Classify(body)
	info := &ErrorInfo{
		Kind:    KindApplication,
		Code:    ae.Kind,
		Message: ae.Message,
		At:      time.Now().UTC(),
	}
	if ae.Code != "" {
		info.Code = ae.Kind + ":" + ae.Code
	}
	s.lastErr = info

	b := events.NewEvent(events.EventApplicationError).
		Severity(events.SeverityWarning).
		Meta("kind", ae.Kind).
		Message(ae.Message)
	if ae.Invalidating {
		b.Meta("invalidating", "true")
	}
	s.journalLocked(b)

	if !ae.Invalidating {
		s.log.WithField("kind", ae.Kind).Info("application error recorded")
		return
	}
	s.log.WithField("kind", ae.Kind).Warn("cache-invalidating application error")
	s.enterDegradedLocked(s.gen, TriggerAppError+":"+ae.Kind)
}

// mergeCancel returns a context that carries parent's values and deadline
// and is also cancelled when other is.
func mergeCancel(parent, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(other, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func joinNames(names []string) string {
	return strings.Join(names, ",")
}
