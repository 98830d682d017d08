package supervisor

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/ledgersync/internal/auth"
	"github.com/R3E-Network/ledgersync/internal/cache"
	"github.com/R3E-Network/ledgersync/internal/events"
	"github.com/R3E-Network/ledgersync/internal/fallback"
	"github.com/R3E-Network/ledgersync/internal/protocol"
	"github.com/R3E-Network/ledgersync/internal/state"
	"github.com/R3E-Network/ledgersync/internal/transport/push"
)

type ledger struct {
	Items []string
	Total float64
}

func ledgerTable() *protocol.Table[ledger] {
	name := func(v gjson.Result) (string, bool) { return v.String(), v.String() != "" }
	return &protocol.Table[ledger]{
		Domain:          "ledger",
		Namespace:       "ledger",
		RefreshRequests: []string{"request_items", "request_total"},
		Events: map[string]protocol.EventSpec[ledger]{
			"item_added": {Reduce: func(l ledger, p gjson.Result) ledger {
				l.Items = protocol.Prepend(l.Items, p.Get("name").String(), func(s string) string { return s })
				return l
			}},
			"item_removed": {
				Reduce: func(l ledger, p gjson.Result) ledger {
					id := p.Get("name").String()
					l.Items = protocol.RemoveWhere(l.Items, func(s string) bool { return s == id })
					return l
				},
				Refresh: []string{"request_items"},
			},
			"explode": {Reduce: func(ledger, gjson.Result) ledger { panic("boom") }},
		},
		ErrorEvent:         "ledger_error",
		InvalidatingErrors: []string{"stale_cache"},
		Fallback: []protocol.FallbackOp[ledger]{{
			Name:    "items",
			Request: "list_items",
			Apply: func(l ledger, r gjson.Result) ledger {
				l.Items = protocol.List(r, name)
				return l
			},
		}},
		Default: func() ledger { return ledger{Items: []string{}} },
	}
}

type fakePuller struct {
	calls int32
	gate  chan struct{}
}

func (p *fakePuller) Pull(ctx context.Context, namespace, request string, params any) (gjson.Result, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return gjson.Result{}, ctx.Err()
		}
	}
	return gjson.Parse(`["pulled-1","pulled-2"]`), nil
}

func (p *fakePuller) Calls() int { return int(atomic.LoadInt32(&p.calls)) }

type fakeSession struct {
	mu     sync.Mutex
	frames []string
	closed bool

	// block, when set, holds every Emit until released.
	block    chan struct{}
	entered  chan struct{}
	enterOne sync.Once
}

func (s *fakeSession) Emit(ctx context.Context, event string, payload any) error {
	if s.block != nil {
		s.enterOne.Do(func() { close(s.entered) })
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return push.ErrClosed
	}
	s.frames = append(s.frames, event)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func (s *fakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type opened struct {
	opts    push.Options
	handler push.Handler
	session *fakeSession
}

type fakeDialer struct {
	mu    sync.Mutex
	opens []opened
	err   error
	next  func() *fakeSession
}

func (d *fakeDialer) Open(ctx context.Context, opts push.Options, h push.Handler) (push.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	sess := &fakeSession{}
	if d.next != nil {
		sess = d.next()
	}
	d.opens = append(d.opens, opened{opts: opts, handler: h, session: sess})
	return sess, nil
}

func (d *fakeDialer) last() opened {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens[len(d.opens)-1]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.opens)
}

type harness struct {
	sup     *Supervisor[ledger]
	cache   *cache.Cache[ledger]
	puller  *fakePuller
	dialer  *fakeDialer
	journal *events.RingBuffer
}

func newHarness(t *testing.T, tokens auth.Provider) *harness {
	t.Helper()
	table := ledgerTable()
	require.NoError(t, table.Validate())

	h := &harness{
		cache:   cache.New("ledger", table.Default),
		puller:  &fakePuller{},
		dialer:  &fakeDialer{},
		journal: events.NewRingBuffer(100),
	}
	h.sup = New(Deps[ledger]{
		Table:   table,
		Cache:   h.cache,
		Fetcher: fallback.New(table, h.puller, fallback.Config{OpTimeout: time.Second}, nil, nil),
		Dialer:  h.dialer,
		Tokens:  tokens,
		Journal: h.journal,
	})
	t.Cleanup(func() {
		h.sup.Teardown()
		h.sup.Wait()
	})
	return h
}

// connect initializes, waits for the cold-start run and fires OnConnect.
func (h *harness) connect(t *testing.T) opened {
	t.Helper()
	require.NoError(t, h.sup.Initialize(context.Background()))
	h.sup.Wait()
	o := h.dialer.last()
	o.handler.OnConnect(o.session)
	require.Equal(t, state.Connected, h.sup.State())
	return o
}

func TestInitialize_TokenFailureDegradesWithOneFallback(t *testing.T) {
	tokens := auth.ProviderFunc(func(context.Context) (auth.Token, error) {
		return auth.Token{}, auth.ErrNoToken
	})
	h := newHarness(t, tokens)

	err := h.sup.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuthFailure(err))
	assert.ErrorIs(t, err, auth.ErrNoToken)

	h.sup.Wait()

	assert.Equal(t, state.Degraded, h.sup.State())
	assert.Equal(t, 1, h.puller.Calls(), "exactly one fallback run")
	assert.Equal(t, []string{"pulled-1", "pulled-2"}, h.cache.Data().Items)
	assert.Equal(t, 0, h.dialer.count(), "no channel without a credential")

	st := h.sup.Status()
	require.NotNil(t, st.LastError)
	assert.Equal(t, KindAuthFailure, st.LastError.Kind)
	require.NotNil(t, st.LastFallback)
	assert.Equal(t, TriggerAuth, st.LastFallback.Trigger)
}

func TestInitialize_ColdStartFallbackAndRefreshBurst(t *testing.T) {
	h := newHarness(t, auth.Static{AccessToken: "tok"})

	o := h.connect(t)

	assert.Equal(t, 1, h.puller.Calls())
	assert.Equal(t, []string{"pulled-1", "pulled-2"}, h.cache.Data().Items)
	assert.Equal(t, []string{"request_items", "request_total"}, o.session.Frames())
	assert.Equal(t, "ledger", o.opts.Namespace)
	assert.Equal(t, "ledger", o.opts.Domain)

	cred, err := o.opts.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", cred)
}

func TestInitialize_ColdStartCoversFirstDialFailure(t *testing.T) {
	h := newHarness(t, auth.Static{AccessToken: "tok"})

	require.NoError(t, h.sup.Initialize(context.Background()))
	o := h.dialer.last()
	o.handler.OnError(&push.HandshakeError{Err: errors.New("dial refused")})
	o.handler.OnError(&push.HandshakeError{Err: errors.New("dial refused")})
	h.sup.Wait()

	assert.Equal(t, state.Degraded, h.sup.State())
	assert.Equal(t, 1, h.puller.Calls(), "the cold-start run is the fallback for the first degraded period")
	assert.Equal(t, TriggerColdStart, h.sup.Status().LastFallback.Trigger)

	o.handler.OnConnect(o.session)
	require.Equal(t, state.Connected, h.sup.State())
	o.handler.OnError(&push.TransportError{Op: "read", Err: errors.New("eof")})
	h.sup.Wait()
	assert.Equal(t, 2, h.puller.Calls())
}

func TestInitialize_SynchronousOpenFailure(t *testing.T) {
	h := newHarness(t, auth.Static{AccessToken: "tok"})
	h.dialer.err = errors.New("bad endpoint")

	err := h.sup.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransport(err))
	h.sup.Wait()

	assert.Equal(t, state.Degraded, h.sup.State())
	assert.Equal(t, 1, h.puller.Calls())
}

// silentListener accepts TCP connections and never answers them.
func silentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return ln.Addr().String()
}

func TestInitialize_HandshakeTimeoutDegradesWithOneFallback(t *testing.T) {
	addr := silentListener(t)
	client, err := push.New(push.Config{
		URL:              "ws://" + addr,
		HandshakeTimeout: 100 * time.Millisecond,
		Reconnect:        push.Backoff{Initial: 20 * time.Millisecond, Max: 20 * time.Millisecond},
	})
	require.NoError(t, err)
	h := newHarness(t, auth.Static{AccessToken: "tok"})
	h.sup.dialer = client

	require.NoError(t, h.sup.Initialize(context.Background()))
	require.Eventually(t, func() bool { return h.sup.State() == state.Degraded }, 3*time.Second, 10*time.Millisecond)

	// Let further attempts time out inside the same degraded period.
	time.Sleep(400 * time.Millisecond)
	h.sup.Wait()

	assert.Equal(t, state.Degraded, h.sup.State())
	assert.Equal(t, 1, h.puller.Calls())
	st := h.sup.Status()
	require.NotNil(t, st.LastError)
	assert.Equal(t, KindTransport, st.LastError.Kind)
}

func TestTransportErrors_OneFallbackPerDegradedEntry(t *testing.T) {
	h := newHarness(t, auth.Static{AccessToken: "tok"})
	o := h.connect(t)
	before := h.puller.Calls()

	o.handler.OnError(&push.TransportError{Op: "read", Err: errors.New("reset by peer")})
	o.handler.OnError(&push.TransportError{Op: "dial", Err: errors.New("refused")})
	h.sup.Wait()

	assert.Equal(t, state.Degraded, h.sup.State())
	assert.Equal(t, before+1, h.puller.Calls(), "two errors in one degraded period schedule one run")

	st := h.sup.Status()
	require.NotNil(t, st.LastError)
	assert.Equal(t, KindTransport, st.LastError.Kind)

	// A reconnect resolves the degraded period; the next error owes a new run.
	o.handler.OnConnect(o.session)
	assert.Equal(t, state.Connected, h.sup.State())
	assert.Nil(t, h.sup.Status().LastError)

	o.handler.OnError(&push.TransportError{Op: "read", Err: errors.New("eof")})
	h.sup.Wait()
	assert.Equal(t, before+2, h.puller.Calls())
}

func TestOnError_HandshakeRejectionIsAuthFailure(t *testing.T) {
	h := newHarness(t, auth.Static{AccessToken: "tok"})
	o := h.connect(t)

	o.handler.OnError(&push.HandshakeError{StatusCode: 401, Err: errors.New("unauthorized")})
	h.sup.Wait()

	st := h.sup.Status()
	require.NotNil(t, st.LastError)
	assert.Equal(t, KindAuthFailure, st.LastError.Kind)
	assert.Equal(t, state.Degraded, st.State)
}

func TestOnDisconnect_KeepsCache(t *testing.T) {
	h := newHarness(t, auth.Static{AccessToken: "tok"})
	o := h.connect(t)

	o.handler.OnDisconnect("io server disconnect")

	assert.Equal(t, state.Disconnected, h.sup.State())
	assert.Equal(t, []string{"pulled-1", "pulled-2"}, h.cache.Data().Items)
	assert.ErrorIs(t, h.sup.Emit(context.Background(), "x", nil), ErrNotConnected)
}

func TestOnEvent_ReducesAndReemitsRefresh(t *testing.T) {
	h := newHarness(t, auth.Static{AccessToken: "tok"})
	o := h.connect(t)

	o.handler.OnEvent("item_removed", []byte(`{"name":"pulled-1"}`))

	assert.Equal(t, []string{"pulled-2"}, h.cache.Data().Items)
	assert.Equal(t, []string{"request_items", "request_total", "request_items"}, o.session.Frames())
}

func TestOnEvent_UnknownAndMalformedAreIgnored(t *testing.T) {
	h := newHarness(t, auth.Static{AccessToken: "tok"})
	o := h.connect(t)
	seq := h.cache.Seq()

	o.handler.OnEvent("never_heard_of_it", []byte(`{"name":"x"}`))
	assert.Equal(t, seq, h.cache.Seq())

	o.handler.OnEvent("item_added", []byte(`{not json`))
	assert.Equal(t, []string{"", "pulled-1", "pulled-2"}, h.cache.Data().Items)

	o.handler.OnEvent("explode", []byte(`{}`))
	assert.Len(t, h.cache.Data().Items, 3, "faulting reducer leaves the cache untouched")
	assert.Len(t, h.journal.Recent(events.Filter{Type: events.EventReducerFault}, 10), 1)
	assert.Equal(t, state.Connected, h.sup.State())
}

func TestApplicationErrors(t *testing.T) {
	h := newHarness(t, auth.Static{AccessToken: "tok"})
	o := h.connect(t)
	before := h.puller.Calls()

	o.handler.OnEvent("ledger_error", []byte(`{"kind":"validation","message":"amount too large"}`))
	h.sup.Wait()

	st := h.sup.Status()
	require.NotNil(t, st.LastError)
	assert.Equal(t, KindApplication, st.LastError.Kind)
	assert.Equal(t, "amount too large", st.LastError.Message)
	assert.Equal(t, state.Connected, st.State, "non-invalidating errors do not degrade")
	assert.Equal(t, before, h.puller.Calls())

	o.handler.OnEvent("ledger_error", []byte(`{"kind":"stale_cache","message":"resync"}`))
	h.sup.Wait()

	assert.Equal(t, before+1, h.puller.Calls())
	assert.Equal(t, state.Connected, h.sup.State(), "resolves once the fallback lands on a live channel")
	assert.Equal(t, TriggerAppError+":stale_cache", h.sup.Status().LastFallback.Trigger)
}

func TestRefreshBurstSuppressedWhileInFlight(t *testing.T) {
	h := newHarness(t, auth.Static{AccessToken: "tok"})
	sess := &fakeSession{block: make(chan struct{}), entered: make(chan struct{})}
	h.dialer.next = func() *fakeSession { return sess }

	require.NoError(t, h.sup.Initialize(context.Background()))
	h.sup.Wait()
	o := h.dialer.last()

	done := make(chan struct{})
	go func() {
		o.handler.OnConnect(o.session)
		close(done)
	}()
	<-sess.entered

	o.handler.OnEvent("item_removed", []byte(`{"name":"pulled-1"}`))
	close(sess.block)
	<-done

	assert.Equal(t, []string{"request_items", "request_total"}, sess.Frames())
	assert.Len(t, h.journal.Recent(events.Filter{Type: events.EventRefreshSuppressed}, 10), 1)
}

func TestRefreshFlagSurvivesStaleGeneration(t *testing.T) {
	h := newHarness(t, auth.Static{AccessToken: "tok"})
	first := &fakeSession{block: make(chan struct{}), entered: make(chan struct{})}
	second := &fakeSession{block: make(chan struct{}), entered: make(chan struct{})}
	sessions := []*fakeSession{first, second}
	h.dialer.next = func() *fakeSession {
		s := sessions[0]
		sessions = sessions[1:]
		return s
	}

	require.NoError(t, h.sup.Initialize(context.Background()))
	h.sup.Wait()
	o1 := h.dialer.last()
	done1 := make(chan struct{})
	go func() {
		o1.handler.OnConnect(o1.session)
		close(done1)
	}()
	<-first.entered

	require.NoError(t, h.sup.Initialize(context.Background()))
	o2 := h.dialer.last()
	done2 := make(chan struct{})
	go func() {
		o2.handler.OnConnect(o2.session)
		close(done2)
	}()
	<-second.entered

	// The old burst finishes while the new one is still in flight.
	close(first.block)
	<-done1

	evDone := make(chan struct{})
	go func() {
		o2.handler.OnEvent("item_removed", []byte(`{"name":"pulled-1"}`))
		close(evDone)
	}()
	select {
	case <-evDone:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh burst ran concurrently with the live one")
	}
	assert.Len(t, h.journal.Recent(events.Filter{Type: events.EventRefreshSuppressed}, 10), 1)

	close(second.block)
	<-done2
	assert.Equal(t, []string{"request_items", "request_total"}, second.Frames())
}

func TestInitialize_ReplacesPreviousChannel(t *testing.T) {
	h := newHarness(t, auth.Static{AccessToken: "tok"})
	first := h.connect(t)
	gen := h.sup.Generation()

	require.NoError(t, h.sup.Initialize(context.Background()))
	second := h.dialer.last()

	assert.True(t, first.session.Closed(), "previous channel closed before the new one opens")
	assert.False(t, second.session.Closed())
	assert.Greater(t, h.sup.Generation(), gen)

	items := h.cache.Data().Items
	first.handler.OnEvent("item_added", []byte(`{"name":"ghost"}`))
	first.handler.OnConnect(first.session)
	assert.Equal(t, items, h.cache.Data().Items, "stale listener is detached")
	assert.Equal(t, state.Connecting, h.sup.State())

	second.handler.OnConnect(second.session)
	assert.Equal(t, state.Connected, h.sup.State())
}

func TestTeardown_NoMutationAfterReturn(t *testing.T) {
	h := newHarness(t, auth.Static{AccessToken: "tok"})
	o := h.connect(t)
	seq := h.cache.Seq()

	h.sup.Teardown()
	h.sup.Teardown()

	assert.True(t, o.session.Closed())
	assert.Equal(t, state.Disconnected, h.sup.State())

	o.handler.OnEvent("item_added", []byte(`{"name":"late"}`))
	o.handler.OnError(errors.New("late error"))
	o.handler.OnConnect(o.session)

	assert.Equal(t, seq, h.cache.Seq())
	assert.Equal(t, state.Disconnected, h.sup.State())
	assert.Len(t, h.journal.Recent(events.Filter{Type: events.EventChannelTornDown}, 10), 1)
}

func TestTeardown_DiscardsInFlightFallback(t *testing.T) {
	h := newHarness(t, auth.Static{AccessToken: "tok"})
	h.puller.gate = make(chan struct{})

	require.NoError(t, h.sup.Initialize(context.Background()))
	require.Eventually(t, func() bool { return h.puller.Calls() == 1 }, time.Second, 5*time.Millisecond)

	h.sup.Teardown()
	close(h.puller.gate)
	h.sup.Wait()

	assert.Equal(t, uint64(0), h.cache.Seq(), "fallback result dropped after teardown")
	assert.Len(t, h.journal.Recent(events.Filter{Type: events.EventFallbackDiscarded}, 10), 1)
}

func TestResumeAfterTeardownRunsColdStart(t *testing.T) {
	h := newHarness(t, auth.Static{AccessToken: "tok"})
	h.connect(t)
	h.sup.Teardown()
	before := h.puller.Calls()

	h.connect(t)
	assert.Equal(t, before+1, h.puller.Calls())
}

func TestResync(t *testing.T) {
	h := newHarness(t, auth.Static{AccessToken: "tok"})
	o := h.connect(t)
	o.handler.OnEvent("item_added", []byte(`{"name":"local"}`))

	rep := h.sup.Resync(context.Background())

	assert.Equal(t, TriggerResync, rep.Trigger)
	assert.False(t, rep.Partial())
	assert.Equal(t, []string{"pulled-1", "pulled-2"}, h.cache.Data().Items)
	assert.Equal(t, []string{"request_items", "request_total", "request_items", "request_total"}, o.session.Frames())
}

func TestEmit(t *testing.T) {
	h := newHarness(t, auth.Static{AccessToken: "tok"})
	assert.ErrorIs(t, h.sup.Emit(context.Background(), "send_message", nil), ErrNotConnected)

	o := h.connect(t)
	require.NoError(t, h.sup.Emit(context.Background(), "send_message", map[string]string{"text": "hi"}))
	assert.Contains(t, o.session.Frames(), "send_message")
}

func TestErrorInfo(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	info := NewErrorInfo(KindTransport, "dial", cause)

	assert.True(t, IsTransport(info))
	assert.False(t, IsAuthFailure(info))
	assert.ErrorIs(t, info, cause)
	assert.True(t, info.Retryable())
	assert.Equal(t, "transport (dial): dial tcp: refused", info.Error())

	app := &ErrorInfo{Kind: KindApplication, Message: "nope"}
	assert.True(t, IsApplication(app))
	assert.False(t, app.Retryable())
	assert.Equal(t, "application: nope", app.Error())
}
