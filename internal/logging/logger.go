// Package logging provides the structured logger shared by every sync
// component. It wraps logrus so call sites can chain WithField/WithError and
// pick up trace and domain identifiers from a context.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Config controls logger construction.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // text|json
	Output io.Writer
}

// Logger is a named logrus entry.
type Logger struct {
	*logrus.Entry
}

// New creates a logger for the named service using cfg.
func New(name string, cfg Config) *Logger {
	base := logrus.New()

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	base.SetOutput(out)

	switch strings.ToLower(cfg.Format) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	return &Logger{Entry: base.WithField("service", name)}
}

// NewDefault creates an info-level text logger writing to stderr.
func NewDefault(name string) *Logger {
	return New(name, Config{Level: "info", Format: "text"})
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return New("discard", Config{Level: "panic", Output: io.Discard})
}

// Named returns a child logger tagged with a component name.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Entry: l.Entry.WithField("component", component)}
}

// ForDomain returns a child logger tagged with a sync domain.
func (l *Logger) ForDomain(domain string) *Logger {
	return &Logger{Entry: l.Entry.WithField("domain", domain)}
}

// WithContext returns an entry carrying the trace and domain found in ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	e := l.Entry.WithContext(ctx)
	if id := GetTraceID(ctx); id != "" {
		e = e.WithField("trace_id", id)
	}
	if d := GetDomain(ctx); d != "" {
		e = e.WithField("domain", d)
	}
	return e
}

// LogRequest logs one served HTTP request. Server errors log at warn.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	e := l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})
	if status >= 500 {
		e.Warn("request failed")
		return
	}
	e.Debug("request served")
}

type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	domainKey  contextKey = "domain"
)

// WithTraceID stores a trace id in ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTraceID returns the trace id stored in ctx, if any.
func GetTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// NewTraceID generates a fresh trace id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithDomain stores a sync domain id in ctx.
func WithDomain(ctx context.Context, domain string) context.Context {
	return context.WithValue(ctx, domainKey, domain)
}

// GetDomain returns the domain stored in ctx, if any.
func GetDomain(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if d, ok := ctx.Value(domainKey).(string); ok {
		return d
	}
	return ""
}
