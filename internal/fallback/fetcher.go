// Package fallback rebuilds a domain cache from the pull channel.
//
// Every operation is fault-isolated: a failed, timed-out or panicking pull
// resolves to its default instead of failing the run, so Run always returns
// a fully defined value.
package fallback

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/R3E-Network/ledgersync/internal/logging"
	"github.com/R3E-Network/ledgersync/internal/metrics"
	"github.com/R3E-Network/ledgersync/internal/protocol"
	"github.com/R3E-Network/ledgersync/internal/transport/pull"
)

// Config bounds a run.
type Config struct {
	// OpTimeout caps each operation. Zero means 20s.
	OpTimeout time.Duration
	// Concurrency caps parallel operations. Zero means unbounded.
	Concurrency int
}

// OpResult describes one operation outcome.
type OpResult struct {
	Name     string        `json:"name"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Defaulted reports whether the op fell back to its default.
func (r OpResult) Defaulted() bool { return r.Err != "" }

// Report summarizes a run. Partial degradation is surfaced here rather than
// as an error.
type Report struct {
	Trigger   string        `json:"trigger,omitempty"`
	Ops       []OpResult    `json:"ops"`
	Defaulted []string      `json:"defaulted,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	At        time.Time     `json:"at"`
}

// Partial reports whether at least one op defaulted.
func (r Report) Partial() bool { return len(r.Defaulted) > 0 }

// Fetcher runs a table's fallback operations.
type Fetcher[D any] struct {
	table   *protocol.Table[D]
	puller  pull.Puller
	cfg     Config
	metrics metrics.Recorder
	log     *logging.Logger
}

// New creates a fetcher for table.
func New[D any](table *protocol.Table[D], puller pull.Puller, cfg Config, rec metrics.Recorder, log *logging.Logger) *Fetcher[D] {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 20 * time.Second
	}
	if rec == nil {
		rec = metrics.NoOpCollector{}
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Fetcher[D]{
		table:   table,
		puller:  puller,
		cfg:     cfg,
		metrics: rec,
		log:     log.Named("fallback").ForDomain(table.Domain),
	}
}

// Run executes every operation and folds the results, in declaration
// order, onto the table default. prev supplies request parameters and the
// fields carried over by the table's Preserve hook.
func (f *Fetcher[D]) Run(ctx context.Context, prev D, trigger string) (D, Report) {
	start := time.Now()
	ops := f.table.Fallback
	results := make([]gjson.Result, len(ops))
	report := Report{Trigger: trigger, Ops: make([]OpResult, len(ops)), At: start.UTC()}

	var g errgroup.Group
	if f.cfg.Concurrency > 0 {
		g.SetLimit(f.cfg.Concurrency)
	}
	for i, op := range ops {
		i, op := i, op
		g.Go(func() error {
			opStart := time.Now()
			data, err := f.fetch(ctx, op, prev)
			results[i] = data
			report.Ops[i] = OpResult{Name: op.Name, Duration: time.Since(opStart)}
			if err != nil {
				report.Ops[i].Err = err.Error()
			}
			f.metrics.RecordFallbackOp(f.table.Domain, op.Name, err)
			return nil
		})
	}
	_ = g.Wait()

	next := f.table.Default()
	for i, op := range ops {
		applied, err := apply(op, next, results[i])
		if err != nil {
			report.Ops[i].Err = err.Error()
			applied, _ = apply(op, next, gjson.Result{})
		}
		next = applied
		if report.Ops[i].Defaulted() {
			report.Defaulted = append(report.Defaulted, op.Name)
		}
	}
	if f.table.Preserve != nil {
		next = f.table.Preserve(prev, next)
	}

	report.Duration = time.Since(start)
	f.metrics.RecordFallback(f.table.Domain, trigger, report.Duration, len(report.Defaulted))

	entry := f.log.WithContext(ctx).
		WithField("trigger", trigger).
		WithField("duration", report.Duration)
	if report.Partial() {
		entry.WithField("defaulted", report.Defaulted).Warn("fallback completed with defaults")
	} else {
		entry.Debug("fallback completed")
	}
	return next, report
}

type pulled struct {
	data gjson.Result
	err  error
}

// fetch bounds the op by OpTimeout even when the puller ignores its context.
func (f *Fetcher[D]) fetch(ctx context.Context, op protocol.FallbackOp[D], prev D) (gjson.Result, error) {
	opCtx, cancel := context.WithTimeout(ctx, f.cfg.OpTimeout)
	defer cancel()

	done := make(chan pulled, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- pulled{err: fmt.Errorf("fallback op %s panicked: %v", op.Name, r)}
			}
		}()
		var params any
		if op.Params != nil {
			params = op.Params(prev)
		}
		data, err := f.puller.Pull(opCtx, f.table.Namespace, op.Request, params)
		done <- pulled{data: data, err: err}
	}()

	select {
	case res := <-done:
		return res.data, res.err
	case <-opCtx.Done():
		return gjson.Result{}, fmt.Errorf("fallback op %s: %w", op.Name, opCtx.Err())
	}
}

// apply folds one result and converts a panicking Apply into an error.
func apply[D any](op protocol.FallbackOp[D], cur D, data gjson.Result) (next D, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, err = cur, fmt.Errorf("fallback apply %s panicked: %v", op.Name, r)
		}
	}()
	return op.Apply(cur, data), nil
}
