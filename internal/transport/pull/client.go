// Package pull implements the stateless request/response channel used for
// cold start and fallback reconstruction. Every request returns a
// {success, data} or {success:false, message} envelope.
package pull

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/ledgersync/internal/auth"
	"github.com/R3E-Network/ledgersync/internal/logging"
	"github.com/R3E-Network/ledgersync/internal/metrics"
)

// ErrUnsuccessful is returned when the server answers with success:false.
// It is recoverable: callers substitute a default.
var ErrUnsuccessful = errors.New("pull: request unsuccessful")

// UnsuccessfulError carries the server-supplied message.
type UnsuccessfulError struct {
	Request string
	Message string
}

func (e *UnsuccessfulError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("pull %s: unsuccessful", e.Request)
	}
	return fmt.Sprintf("pull %s: %s", e.Request, e.Message)
}

// Unwrap returns ErrUnsuccessful.
func (e *UnsuccessfulError) Unwrap() error { return ErrUnsuccessful }

// HTTPError represents a non-2xx response.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("pull: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Puller issues one idempotent pull request and returns the envelope data.
type Puller interface {
	Pull(ctx context.Context, namespace, request string, params any) (gjson.Result, error)
}

// Config holds client configuration.
type Config struct {
	URL        string
	HTTPClient *http.Client
	// Tokens is optional; when set every request carries a bearer token.
	Tokens         auth.Provider
	Retry          RetryConfig
	CircuitBreaker CircuitBreakerConfig
	// RateLimit is requests per second across all namespaces; zero disables.
	RateLimit float64
	Burst     int
	Metrics   metrics.Recorder
	Logger    *logging.Logger
}

// Client is the HTTP pull channel.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     auth.Provider
	retry      RetryConfig
	breaker    *CircuitBreaker
	limiter    *rate.Limiter
	metrics    metrics.Recorder
	log        *logging.Logger
}

var _ Puller = (*Client)(nil)

// New creates a new pull client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		}
	}

	if cfg.Retry.MaxRetries < 0 {
		cfg.Retry.MaxRetries = 0
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.NoOpCollector{}
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		httpClient: httpClient,
		tokens:     cfg.Tokens,
		retry:      cfg.Retry,
		limiter:    limiter,
		metrics:    rec,
		log:        log.Named("pull"),
	}

	bc := cfg.CircuitBreaker
	userHook := bc.OnStateChange
	bc.OnStateChange = func(from, to CircuitState) {
		c.log.WithField("from", from.String()).WithField("to", to.String()).Warn("pull circuit state changed")
		if userHook != nil {
			userHook(from, to)
		}
	}
	c.breaker = NewCircuitBreaker(bc)

	return c, nil
}

// Pull executes POST {url}/{namespace}/{request} and returns the "data" field
// of a successful envelope.
func (c *Client) Pull(ctx context.Context, namespace, request string, params any) (gjson.Result, error) {
	start := time.Now()
	data, err := c.pull(ctx, namespace, request, params)
	c.metrics.RecordPull(namespace, request, time.Since(start), err)
	if err != nil {
		c.log.WithContext(ctx).
			WithField("namespace", namespace).
			WithField("request", request).
			WithError(err).
			Debug("pull failed")
	}
	return data, err
}

func (c *Client) pull(ctx context.Context, namespace, request string, params any) (gjson.Result, error) {
	if err := c.breaker.Allow(); err != nil {
		return gjson.Result{}, err
	}

	body := []byte("{}")
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("marshal params: %w", err)
		}
		body = b
	}
	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, url.PathEscape(namespace), url.PathEscape(request))

	var bearer string
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("pull credential: %w", err)
		}
		bearer = tok.AccessToken
	}

	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return gjson.Result{}, ctx.Err()
			case <-time.After(c.retry.Backoff(attempt)):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return gjson.Result{}, err
		}

		raw, status, err := c.do(ctx, endpoint, bearer, body)
		switch {
		case err != nil:
			if !retryableError(ctx, err) {
				c.breaker.RecordFailure(err)
				return gjson.Result{}, err
			}
			lastErr = err
			continue
		case c.retry.retryableStatus(status):
			lastErr = &HTTPError{StatusCode: status}
			continue
		}

		// Any well-formed answer from the server means the upstream is healthy,
		// including an application-level success:false.
		c.breaker.RecordSuccess()
		return decodeEnvelope(request, status, raw)
	}

	c.breaker.RecordFailure(lastErr)
	return gjson.Result{}, lastErr
}

func (c *Client) do(ctx context.Context, endpoint, bearer string, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if id := logging.GetTraceID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}
	return raw, resp.StatusCode, nil
}

func decodeEnvelope(request string, status int, raw []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(raw) {
		if status >= 400 {
			return gjson.Result{}, &HTTPError{StatusCode: status}
		}
		return gjson.Result{}, fmt.Errorf("pull %s: malformed envelope", request)
	}

	env := gjson.ParseBytes(raw)
	if !env.Get("success").Bool() {
		return gjson.Result{}, &UnsuccessfulError{Request: request, Message: env.Get("message").String()}
	}
	if status >= 400 {
		return gjson.Result{}, &HTTPError{StatusCode: status}
	}
	return env.Get("data"), nil
}

func retryableError(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// IsUnsuccessful reports whether err is an application-level failure.
func IsUnsuccessful(err error) bool {
	return errors.Is(err, ErrUnsuccessful)
}
