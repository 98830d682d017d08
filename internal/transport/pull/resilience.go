package pull

import (
	"errors"
	"math"
	"math/rand"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// defaultRetryable is used when RetryConfig.RetryableStatusCodes is empty.
var defaultRetryable = []int{
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// RetryConfig bounds the retries of one pull request.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            float64 // fraction of the wait, 0..1
	// RetryableStatusCodes defaults to 429 and 500/502/503/504.
	RetryableStatusCodes []int
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:           3,
		InitialBackoff:       100 * time.Millisecond,
		MaxBackoff:           5 * time.Second,
		BackoffMultiplier:    2,
		Jitter:               0.1,
		RetryableStatusCodes: slices.Clone(defaultRetryable),
	}
}

// Backoff is the wait before retry number attempt, counting from 1.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	growth := math.Max(c.BackoffMultiplier, 1)
	wait := float64(c.InitialBackoff) * math.Pow(growth, float64(max(attempt, 1)-1))
	if c.MaxBackoff > 0 {
		wait = math.Min(wait, float64(c.MaxBackoff))
	}
	if c.Jitter > 0 {
		wait *= 1 + c.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(wait)
}

func (c RetryConfig) retryableStatus(code int) bool {
	codes := c.RetryableStatusCodes
	if len(codes) == 0 {
		codes = defaultRetryable
	}
	return slices.Contains(codes, code)
}

// CircuitState is the position of the pull circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var circuitNames = [...]string{"closed", "open", "half-open"}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(circuitNames) {
		return "unknown"
	}
	return circuitNames[s]
}

// ErrCircuitOpen rejects a pull while the breaker cools down.
var ErrCircuitOpen = errors.New("pull: circuit open")

// CircuitBreakerConfig tunes the breaker. Zero thresholds default to 5
// failures to open and 1 probe success to close.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	// OnStateChange runs after every transition, outside the breaker lock.
	OnStateChange func(from, to CircuitState)
	Clock         clock.Clock
}

// CircuitBreaker guards the pull endpoint. Every namespace resolves to the
// same upstream, so one breaker serves the whole client.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	clk clock.Clock

	mu      sync.Mutex
	state   CircuitState
	streak  int // consecutive failures when closed, probe successes when half-open
	opened  time.Time
	lastErr error
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &CircuitBreaker{cfg: cfg, clk: clk}
}

// Allow returns ErrCircuitOpen until the open timeout elapses, after which
// the breaker half-opens and lets probes through.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	if cb.state == CircuitOpen && cb.clk.Since(cb.opened) < cb.cfg.Timeout {
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	notify := cb.enterLocked(CircuitHalfOpen, cb.state == CircuitOpen)
	cb.mu.Unlock()
	notify()
	return nil
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var notify func()
	switch cb.state {
	case CircuitClosed:
		cb.streak = 0
	case CircuitHalfOpen:
		cb.streak++
		notify = cb.enterLocked(CircuitClosed, cb.streak >= cb.cfg.SuccessThreshold)
	}
	cb.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	cb.lastErr = err
	var notify func()
	switch cb.state {
	case CircuitClosed:
		cb.streak++
		notify = cb.enterLocked(CircuitOpen, cb.streak >= cb.cfg.FailureThreshold)
	case CircuitHalfOpen:
		notify = cb.enterLocked(CircuitOpen, true)
	}
	cb.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// enterLocked moves to next when cond holds and returns the hook call to run
// once the lock is released.
func (cb *CircuitBreaker) enterLocked(next CircuitState, cond bool) func() {
	if !cond || cb.state == next {
		return func() {}
	}
	prev := cb.state
	cb.state = next
	cb.streak = 0
	if next == CircuitOpen {
		cb.opened = cb.clk.Now()
	}
	hook := cb.cfg.OnStateChange
	if hook == nil {
		return func() {}
	}
	return func() { hook(prev, next) }
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// LastError is the most recent failure recorded, in any state.
func (cb *CircuitBreaker) LastError() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastErr
}
