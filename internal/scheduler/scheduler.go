// Package scheduler runs the daemon's periodic maintenance jobs on cron
// specs: anti-entropy reconciliation and snapshot engine GC.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/ledgersync/internal/fallback"
	"github.com/R3E-Network/ledgersync/internal/logging"
	"github.com/R3E-Network/ledgersync/internal/session"
)

// DefaultJobTimeout bounds one job run.
const DefaultJobTimeout = 2 * time.Minute

// Job is one scheduled task. An empty Spec disables it.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler wraps a cron runner. Overlapping runs of one job are skipped
// and panics are recovered.
type Scheduler struct {
	cron   *cron.Cron
	log    *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

// New creates a stopped scheduler.
func New(log *logging.Logger) *Scheduler {
	if log == nil {
		log = logging.NewDefault("scheduler")
	}
	log = log.Named("scheduler")
	cl := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]cron.EntryID),
	}
}

// Add registers job. Disabled jobs are skipped without error.
func (s *Scheduler) Add(job Job) error {
	if job.Spec == "" {
		s.log.WithField("job", job.Name).Debug("job disabled")
		return nil
	}
	if job.Run == nil {
		return fmt.Errorf("scheduler: job %s has no run func", job.Name)
	}
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("scheduler: duplicate job %s", job.Name)
	}
	id, err := s.cron.AddFunc(job.Spec, func() { s.run(job, timeout) })
	if err != nil {
		return fmt.Errorf("scheduler: job %s spec %q: %w", job.Name, job.Spec, err)
	}
	s.jobs[job.Name] = id
	return nil
}

func (s *Scheduler) run(job Job, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	start := time.Now()
	err := job.Run(ctx)
	entry := s.log.WithField("job", job.Name).WithField("took", time.Since(start))
	if err != nil {
		entry.WithError(err).Warn("scheduled job failed")
		return
	}
	entry.Debug("scheduled job done")
}

// Jobs lists registered job names with their next run time.
func (s *Scheduler) Jobs() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.jobs))
	for name, id := range s.jobs {
		out[name] = s.cron.Entry(id).Next
	}
	return out
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop cancels running jobs and waits for them to return, up to ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconciler runs a fallback across every store.
type Reconciler interface {
	Reconcile(ctx context.Context) (map[string]fallback.Report, error)
}

// ReconcileJob periodically rebuilds every cache from the pull channel.
// Outside a session it does nothing.
func ReconcileJob(spec string, r Reconciler, log *logging.Logger) Job {
	return Job{
		Name: "reconcile",
		Spec: spec,
		Run: func(ctx context.Context) error {
			reports, err := r.Reconcile(ctx)
			if errors.Is(err, session.ErrNotLoggedIn) {
				return nil
			}
			if err != nil {
				return err
			}
			for domain, rep := range reports {
				if rep.Partial() {
					log.WithField("domain", domain).WithField("defaulted", rep.Defaulted).Info("reconcile degraded")
				}
			}
			return nil
		},
	}
}

// Collector reclaims engine space.
type Collector interface {
	RunGC() error
}

// GCJob runs value log GC on a snapshot engine.
func GCJob(spec string, c Collector) Job {
	return Job{
		Name: "snapshot_gc",
		Spec: spec,
		Run:  func(context.Context) error { return c.RunGC() },
	}
}

// cronLogger adapts the logrus logger to cron.Logger.
type cronLogger struct {
	log *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.with(keysAndValues).WithError(err).Error(msg)
}

func (l cronLogger) with(kv []interface{}) *logging.Logger {
	e := l.log.Entry
	for i := 0; i+1 < len(kv); i += 2 {
		e = e.WithField(fmt.Sprint(kv[i]), kv[i+1])
	}
	return &logging.Logger{Entry: e}
}
