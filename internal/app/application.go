// Package app composes the daemon: snapshot engine, token provider, both
// transports, one store per configured domain, the session coordinator, the
// scheduler and the local API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/multierr"

	"github.com/R3E-Network/ledgersync/internal/auth"
	"github.com/R3E-Network/ledgersync/internal/cache"
	"github.com/R3E-Network/ledgersync/internal/config"
	"github.com/R3E-Network/ledgersync/internal/domains/accounts"
	"github.com/R3E-Network/ledgersync/internal/domains/chat"
	"github.com/R3E-Network/ledgersync/internal/domains/debts"
	"github.com/R3E-Network/ledgersync/internal/domains/goals"
	"github.com/R3E-Network/ledgersync/internal/domains/insurances"
	"github.com/R3E-Network/ledgersync/internal/domains/investments"
	"github.com/R3E-Network/ledgersync/internal/domains/notifications"
	"github.com/R3E-Network/ledgersync/internal/domains/transactions"
	"github.com/R3E-Network/ledgersync/internal/events"
	"github.com/R3E-Network/ledgersync/internal/fallback"
	"github.com/R3E-Network/ledgersync/internal/httpapi"
	"github.com/R3E-Network/ledgersync/internal/logging"
	"github.com/R3E-Network/ledgersync/internal/metrics"
	"github.com/R3E-Network/ledgersync/internal/persist"
	"github.com/R3E-Network/ledgersync/internal/persist/badgerstore"
	"github.com/R3E-Network/ledgersync/internal/persist/memory"
	"github.com/R3E-Network/ledgersync/internal/persist/redisstore"
	"github.com/R3E-Network/ledgersync/internal/persist/sqlstore"
	"github.com/R3E-Network/ledgersync/internal/scheduler"
	"github.com/R3E-Network/ledgersync/internal/session"
	"github.com/R3E-Network/ledgersync/internal/store"
	"github.com/R3E-Network/ledgersync/internal/transport/pull"
	"github.com/R3E-Network/ledgersync/internal/transport/push"
)

// JournalSize is the number of sync events kept for /v1/events.
const JournalSize = 1000

// Overrides replaces collaborators built from config. Nil fields are built.
type Overrides struct {
	Adapter persist.Adapter
	Tokens  auth.Provider
	Puller  pull.Puller
	Dialer  push.Dialer
}

// Application ties the stores together and manages their lifecycle.
type Application struct {
	cfg *config.Config
	log *logging.Logger

	Metrics   *metrics.Collector
	Journal   *events.RingBuffer
	Adapter   persist.Adapter
	Session   *session.Coordinator
	Scheduler *scheduler.Scheduler
	Outboxes  map[string]*chat.Outbox
	Handler   http.Handler
}

// New builds a fully wired application. Nothing connects until Run.
func New(ctx context.Context, cfg *config.Config, log *logging.Logger, ov Overrides) (*Application, error) {
	if log == nil {
		log = logging.NewDefault("ledgersyncd")
	}
	a := &Application{
		cfg:      cfg,
		log:      log,
		Metrics:  metrics.NewCollector("ledgersync"),
		Journal:  events.NewRingBuffer(JournalSize),
		Outboxes: make(map[string]*chat.Outbox),
	}

	var err error
	a.Adapter = ov.Adapter
	if a.Adapter == nil {
		if a.Adapter, err = OpenAdapter(ctx, cfg.Persist, log); err != nil {
			return nil, err
		}
	}

	tokens := ov.Tokens
	if tokens == nil {
		if tokens, err = NewTokenProvider(cfg.Auth); err != nil {
			return nil, a.abort(err)
		}
	}

	puller := ov.Puller
	if puller == nil {
		puller, err = pull.New(pull.Config{
			URL:    cfg.Pull.URL,
			Tokens: tokens,
			HTTPClient: &http.Client{
				Timeout: cfg.Pull.Timeout,
			},
			Retry: pull.RetryConfig{
				MaxRetries:        cfg.Pull.MaxRetries,
				InitialBackoff:    cfg.Pull.InitialBackoff,
				MaxBackoff:        cfg.Pull.MaxBackoff,
				BackoffMultiplier: 2,
				Jitter:            0.2,
			},
			CircuitBreaker: pull.CircuitBreakerConfig{
				FailureThreshold: cfg.Pull.BreakerThreshold,
				SuccessThreshold: 1,
				Timeout:          cfg.Pull.BreakerTimeout,
			},
			RateLimit: cfg.Pull.RateLimit,
			Burst:     cfg.Pull.Burst,
			Metrics:   a.Metrics,
			Logger:    log,
		})
		if err != nil {
			return nil, a.abort(fmt.Errorf("pull client: %w", err))
		}
	}

	dialer := ov.Dialer
	if dialer == nil {
		dialer, err = push.New(push.Config{
			URL:              cfg.Push.URL,
			HandshakeTimeout: cfg.Push.HandshakeTimeout,
			PingInterval:     cfg.Push.PingInterval,
			Reconnect: push.Backoff{
				Initial:    cfg.Push.ReconnectInitial,
				Max:        cfg.Push.ReconnectMax,
				Multiplier: 2,
				Jitter:     0.2,
			},
			Logger: log,
		})
		if err != nil {
			return nil, a.abort(fmt.Errorf("push client: %w", err))
		}
	}

	deps := store.Deps{
		Puller:    puller,
		Dialer:    dialer,
		Tokens:    tokens,
		Adapter:   a.Adapter,
		KeyPrefix: cfg.Persist.KeyPrefix,
		Ephemeral: cfg.Persist.EphemeralDomains,
		Fallback: fallback.Config{
			OpTimeout:   cfg.Fallback.OpTimeout,
			Concurrency: cfg.Fallback.Concurrency,
		},
		Metrics: a.Metrics,
		Journal: a.Journal,
		Logger:  log,
	}
	stores := make([]store.Lifecycle, 0, len(cfg.Domains))
	for _, id := range cfg.Domains {
		s, err := a.buildStore(id, deps)
		if err != nil {
			return nil, a.abort(err)
		}
		stores = append(stores, s)
	}

	a.Session, err = session.New(session.Config{
		Principal: cfg.Principal,
		Stores:    stores,
		Adapter:   a.Adapter,
		KeyPrefix: cfg.Persist.KeyPrefix,
		Metrics:   a.Metrics,
		Journal:   a.Journal,
		Logger:    log,
	})
	if err != nil {
		return nil, a.abort(err)
	}
	a.Session.OnLogout(func() {
		for _, o := range a.Outboxes {
			o.Clear()
		}
	})

	a.Scheduler = scheduler.New(log)
	if err := a.Scheduler.Add(scheduler.ReconcileJob(cfg.Scheduler.Reconcile, a.Session, log)); err != nil {
		return nil, a.abort(err)
	}
	if gc, ok := a.Adapter.(scheduler.Collector); ok {
		if err := a.Scheduler.Add(scheduler.GCJob(cfg.Scheduler.BadgerGC, gc)); err != nil {
			return nil, a.abort(err)
		}
	}

	a.Handler = httpapi.NewHandler(httpapi.Options{
		Sessions:       a.Session,
		Journal:        a.Journal,
		Metrics:        a.Metrics.Handler(),
		Requests:       a.Metrics,
		Outboxes:       a.Outboxes,
		Token:          cfg.API.Token,
		AllowedOrigins: cfg.API.AllowedOrigins,
		Logger:         log,
	})
	return a, nil
}

func (a *Application) abort(err error) error {
	if cerr := a.Adapter.Close(); cerr != nil {
		a.log.WithError(cerr).Warn("closing snapshot engine")
	}
	return err
}

func (a *Application) buildStore(id string, deps store.Deps) (store.Lifecycle, error) {
	switch id {
	case accounts.Domain:
		return lifecycle(store.New(accounts.Table(), deps))
	case debts.Domain:
		return lifecycle(store.New(debts.Table(), deps))
	case goals.Domain:
		return lifecycle(store.New(goals.Table(), deps))
	case insurances.Domain:
		return lifecycle(store.New(insurances.Table(), deps))
	case investments.Domain:
		return lifecycle(store.New(investments.Table(), deps))
	case transactions.Domain:
		return lifecycle(store.New(transactions.Table(), deps))
	case notifications.Domain:
		return lifecycle(store.New(notifications.Table(), deps))
	case chat.Domain, chat.AdminDomain:
		table := chat.Table()
		if id == chat.AdminDomain {
			table = chat.AdminTable()
		}
		s, err := store.New(table, deps)
		if err != nil {
			return nil, err
		}
		o := chat.NewOutbox(s)
		s.Subscribe(func(u cache.Update[chat.State]) { o.Observe(u.Data) })
		a.Outboxes[id] = o
		return s, nil
	default:
		return nil, fmt.Errorf("unknown domain %q", id)
	}
}

func lifecycle[D any](s *store.Store[D], err error) (store.Lifecycle, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Run logs in, serves the local API and runs scheduled jobs until ctx is
// cancelled, then shuts everything down. Caches and snapshots are kept for
// the next start; only Logout erases them.
func (a *Application) Run(ctx context.Context) error {
	a.Scheduler.Start()
	if err := a.Session.Login(ctx); err != nil {
		a.log.WithError(err).Warn("login failed")
	}

	serveErr := httpapi.Serve(ctx, a.cfg.API.Listen, a.Handler, a.log)
	if serveErr != nil {
		a.log.WithError(serveErr).Error("local api stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return multierr.Combine(serveErr, a.Close(shutdownCtx))
}

// Close stops jobs, tears down every store and closes the snapshot engine.
func (a *Application) Close(ctx context.Context) error {
	var errs error
	if err := a.Scheduler.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		errs = multierr.Append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	errs = multierr.Append(errs, a.Session.Close(ctx))
	errs = multierr.Append(errs, a.Adapter.Close())
	return errs
}

// OpenAdapter opens the configured snapshot engine.
func OpenAdapter(ctx context.Context, cfg config.PersistConfig, log *logging.Logger) (persist.Adapter, error) {
	switch cfg.Engine {
	case "none":
		return persist.Discard{}, nil
	case "memory":
		return memory.New(), nil
	case "badger":
		return adapter(badgerstore.Open(badgerstore.Options{
			Dir:    cfg.BadgerDir,
			TTL:    cfg.SnapshotTTL,
			Logger: log,
		}))
	case "sql":
		return adapter(sqlstore.Open(ctx, cfg.SQLDriver, cfg.SQLDSN))
	case "redis":
		return adapter(redisstore.Open(ctx, redisstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.SnapshotTTL,
		}))
	default:
		return nil, fmt.Errorf("unknown persist engine %q", cfg.Engine)
	}
}

func adapter[A persist.Adapter](a A, err error) (persist.Adapter, error) {
	if err != nil {
		return nil, err
	}
	return a, nil
}

// NewTokenProvider builds the configured token provider.
func NewTokenProvider(cfg config.AuthConfig) (auth.Provider, error) {
	switch cfg.Mode {
	case "static":
		return auth.Static{AccessToken: cfg.AccessToken}, nil
	case "refresh":
		p, err := auth.NewRefreshProvider(auth.RefreshConfig{
			URL:          cfg.RefreshURL,
			RefreshToken: cfg.RefreshToken,
		})
		if err != nil {
			return nil, fmt.Errorf("refresh provider: %w", err)
		}
		return auth.NewCaching(p, auth.WithLeeway(cfg.ExpiryLeeway)), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}
