// Package push implements the persistent per-domain websocket channel.
//
// A Session owns one physical connection at a time. Its run loop dials,
// reports lifecycle callbacks to a Handler, delivers inbound frames in
// arrival order and redials with exponential backoff until closed. Every
// attempt fetches a fresh credential.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/ledgersync/internal/logging"
)

var (
	// ErrNotConnected is returned by Emit when no connection is live.
	ErrNotConnected = errors.New("push: not connected")
	// ErrClosed is returned by Emit after Close.
	ErrClosed = errors.New("push: session closed")
	// ErrCredentials wraps failures of the credential callback.
	ErrCredentials = errors.New("push: credentials unavailable")
)

// Frame is the wire representation of a push event or outbound request.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Emitter sends outbound frames on a live connection.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// Handler receives connection lifecycle callbacks and inbound events.
// Callbacks for one Session are never invoked concurrently.
type Handler interface {
	OnConnect(e Emitter)
	OnDisconnect(reason string)
	OnError(err error)
	OnEvent(name string, payload []byte)
}

// Session is one owned channel. Close detaches the handler and stops
// reconnection; it never waits for an in-flight callback.
type Session interface {
	Emitter
	Close() error
}

// Options identifies the channel to open.
type Options struct {
	Namespace string
	Domain    string
	// Credentials returns the access token for the next handshake.
	Credentials func(ctx context.Context) (string, error)
}

// Dialer opens sessions.
type Dialer interface {
	Open(ctx context.Context, opts Options, h Handler) (Session, error)
}

// Backoff configures reconnect delays.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Next returns the delay before reconnect attempt n (0-based).
func (b Backoff) Next(n int) time.Duration {
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(b.Initial) * math.Pow(mult, float64(n))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

// Config holds client configuration.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	Reconnect        Backoff
	Logger           *logging.Logger
}

// Client is the websocket Dialer.
type Client struct {
	url    string
	cfg    Config
	dialer *websocket.Dialer
	log    *logging.Logger
}

var _ Dialer = (*Client)(nil)

// New creates a new push client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Reconnect.Initial <= 0 {
		cfg.Reconnect.Initial = 500 * time.Millisecond
	}
	if cfg.Reconnect.Max <= 0 {
		cfg.Reconnect.Max = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}

	return &Client{
		url: strings.TrimSuffix(u.String(), "/"),
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		log: log.Named("push"),
	}, nil
}

// Open starts a session. It returns immediately; the connection outcome is
// reported through h.
func (c *Client) Open(ctx context.Context, opts Options, h Handler) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("credentials callback is required")
	}
	if h == nil {
		return nil, fmt.Errorf("handler is required")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		client:  c,
		opts:    opts,
		handler: h,
		cancel:  cancel,
		done:    make(chan struct{}),
		log:     c.log.ForDomain(opts.Domain),
	}
	go s.run(runCtx)
	return s, nil
}

// Endpoint returns the websocket URL for a namespace and domain.
func (c *Client) Endpoint(namespace, domain string) string {
	q := url.Values{}
	q.Set("domain", domain)
	return c.url + "/" + url.PathEscape(namespace) + "?" + q.Encode()
}

type session struct {
	client  *Client
	opts    Options
	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}
	log     *logging.Logger

	closed atomic.Bool

	mu      sync.Mutex // guards conn
	conn    *websocket.Conn
	writeMu sync.Mutex // serializes writes on conn
}

func (s *session) run(ctx context.Context) {
	defer close(s.done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.WithError(err).WithField("attempt", attempt).Warn("push dial failed")
			s.deliver(func() { s.handler.OnError(err) })
		} else {
			attempt = 0
			if !s.attach(conn) {
				return
			}
			s.deliver(func() { s.handler.OnConnect(s) })

			reason, readErr := s.read(ctx, conn)
			s.detach(conn)
			if ctx.Err() != nil {
				return
			}
			if readErr != nil {
				s.log.WithError(readErr).Warn("push connection lost")
				s.deliver(func() { s.handler.OnError(readErr) })
			} else {
				s.log.WithField("reason", reason).Info("push connection closed by server")
				s.deliver(func() { s.handler.OnDisconnect(reason) })
			}
		}

		delay := s.client.cfg.Reconnect.Next(attempt)
		attempt++
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *session) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := s.opts.Credentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentials, err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	if id := logging.GetTraceID(ctx); id != "" {
		header.Set("X-Request-ID", id)
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.client.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := s.client.dialer.DialContext(dialCtx, s.client.Endpoint(s.opts.Namespace, s.opts.Domain), header)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, &HandshakeError{Err: err}
	}
	return conn, nil
}

func (s *session) attach(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		_ = conn.Close()
		return false
	}
	s.conn = conn
	return true
}

func (s *session) detach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}

// read blocks until conn fails. A clean close frame yields a reason and a
// nil error; anything else is returned as an error.
func (s *session) read(ctx context.Context, conn *websocket.Conn) (string, error) {
	pongWait := s.client.cfg.PingInterval * 2
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.ping(conn, stopPing)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
				reason := ce.Text
				if reason == "" {
					reason = "server closed"
				}
				return reason, nil
			}
			return "", &TransportError{Op: "read", Err: err}
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil || f.Event == "" {
			s.log.WithField("bytes", len(msg)).Debug("dropping malformed push frame")
			continue
		}
		if ctx.Err() != nil {
			return "", nil
		}
		payload := []byte(f.Payload)
		s.deliver(func() { s.handler.OnEvent(f.Event, payload) })
	}
}

func (s *session) ping(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.client.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.client.cfg.WriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// deliver runs a handler callback unless the session was closed.
func (s *session) deliver(fn func()) {
	if s.closed.Load() {
		return
	}
	fn()
}

// Emit implements Emitter.
func (s *session) Emit(ctx context.Context, event string, payload any) error {
	if s.closed.Load() {
		return ErrClosed
	}

	f := Frame{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		f.Payload = raw
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(s.client.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(f); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// Close implements Session.
func (s *session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.writeMu.Unlock()
	_ = conn.Close()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("close message: %w", err)
	}
	return nil
}

// Done is closed when the run loop exits. Used by tests.
func (s *session) Done() <-chan struct{} { return s.done }
