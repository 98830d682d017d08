// Package protocol declares the per-domain channel tables. A Table is static
// data: the namespace a domain binds to, the refresh burst emitted on every
// connect, the reducers inbound push events are routed to, and the pull
// operations that can rebuild the cache from scratch. The supervisor, cache
// and fallback fetcher are generic over it.
package protocol

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// DefaultInvalidating are the application error kinds after which the
// cache can no longer be trusted.
var DefaultInvalidating = []string{"stale_cache", "resync_required", "permission_changed"}

// Reducer folds a push payload into a cache value. Reducers are pure and
// total: malformed or missing fields resolve to defaults, never panics.
// Reducers must not mutate slices or maps reachable from the input value.
type Reducer[D any] func(D, gjson.Result) D

// EventSpec routes one inbound event name.
type EventSpec[D any] struct {
	Reduce Reducer[D]
	// Refresh lists requests to re-emit after the event is applied.
	Refresh []string
}

// FallbackOp is one independently fault-isolated pull.
type FallbackOp[D any] struct {
	// Name identifies the op in reports and metrics.
	Name string
	// Request is the pull request name sent to {namespace}/{request}.
	Request string
	// Params builds request parameters from the current cache. Optional.
	Params func(D) any
	// Apply folds the pulled data into the cache under reconstruction.
	// A failed op is applied with an empty result so its fields take their
	// defaults.
	Apply Reducer[D]
}

// Table is the complete channel declaration of one domain.
type Table[D any] struct {
	Domain          string
	Namespace       string
	RefreshRequests []string
	Events          map[string]EventSpec[D]

	// ErrorEvent names the server-pushed application error for the domain.
	ErrorEvent string
	// InvalidatingErrors lists error kinds that force a fallback.
	InvalidatingErrors []string

	Fallback []FallbackOp[D]

	// Default returns the empty cache value.
	Default func() D
	// Preserve carries UI-owned fields (filters, paging) from the previous
	// cache into a reconstructed one. Optional.
	Preserve func(prev, next D) D

	// Ephemeral keeps the cache in memory only. No snapshot is loaded or
	// written for the domain.
	Ephemeral bool
}

// Lookup returns the spec for an event name.
func (t *Table[D]) Lookup(event string) (EventSpec[D], bool) {
	spec, ok := t.Events[event]
	return spec, ok
}

// IsErrorEvent reports whether event is the domain's application error.
func (t *Table[D]) IsErrorEvent(event string) bool {
	return t.ErrorEvent != "" && event == t.ErrorEvent
}

// AppError is a decoded application-level error push.
type AppError struct {
	Kind         string
	Code         string
	Message      string
	Invalidating bool
}

// Classify decodes an error payload. Accepted shapes are
// {"kind","code","message"} or a bare string message.
func (t *Table[D]) Classify(payload gjson.Result) AppError {
	var e AppError
	switch {
	case payload.IsObject():
		e.Kind = payload.Get("kind").String()
		if e.Kind == "" {
			e.Kind = payload.Get("type").String()
		}
		e.Code = payload.Get("code").String()
		e.Message = payload.Get("message").String()
	case payload.Type == gjson.String:
		e.Message = payload.String()
	}
	if e.Kind == "" {
		e.Kind = "unclassified"
	}
	for _, k := range t.InvalidatingErrors {
		if k == e.Kind {
			e.Invalidating = true
			break
		}
	}
	return e
}

// Validate checks a table for declaration mistakes.
func (t *Table[D]) Validate() error {
	if t.Domain == "" {
		return errors.New("protocol: domain is required")
	}
	if t.Namespace == "" {
		return fmt.Errorf("protocol %s: namespace is required", t.Domain)
	}
	if t.Default == nil {
		return fmt.Errorf("protocol %s: default is required", t.Domain)
	}
	for name, spec := range t.Events {
		if spec.Reduce == nil {
			return fmt.Errorf("protocol %s: event %q has no reducer", t.Domain, name)
		}
		if name == t.ErrorEvent {
			return fmt.Errorf("protocol %s: event %q is also the error event", t.Domain, name)
		}
	}
	seen := make(map[string]bool, len(t.Fallback))
	for _, op := range t.Fallback {
		if op.Name == "" || op.Request == "" || op.Apply == nil {
			return fmt.Errorf("protocol %s: incomplete fallback op %q", t.Domain, op.Name)
		}
		if seen[op.Name] {
			return fmt.Errorf("protocol %s: duplicate fallback op %q", t.Domain, op.Name)
		}
		seen[op.Name] = true
	}
	return nil
}

// ParsePayload parses a raw payload. Invalid JSON yields an empty result,
// which every reducer treats as "no data".
func ParsePayload(raw []byte) gjson.Result {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return gjson.Result{}
	}
	return gjson.ParseBytes(raw)
}
