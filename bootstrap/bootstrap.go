// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/artpar/quotaguard/adapters/clock"
	"github.com/artpar/quotaguard/adapters/hasher"
	qghttp "github.com/artpar/quotaguard/adapters/http"
	"github.com/artpar/quotaguard/adapters/idgen"
	"github.com/artpar/quotaguard/adapters/memory"
	"github.com/artpar/quotaguard/adapters/metrics"
	"github.com/artpar/quotaguard/adapters/redis"
	"github.com/artpar/quotaguard/adapters/sqlite"
	"github.com/artpar/quotaguard/app"
	"github.com/artpar/quotaguard/config"
	"github.com/artpar/quotaguard/domain/plan"
	"github.com/artpar/quotaguard/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Config
	DB         *sqlite.DB
	Store      ports.CounterStore
	Metrics    *metrics.Collector
	HTTPServer *http.Server
	Handler    http.Handler

	// Services
	Directory  *sqlite.Directory
	Ledger     *sqlite.LedgerStore
	Plans      *app.PlanCache
	Limiter    *app.RateLimitService
	Slots      *app.SlotTracker
	Queue      *app.UsageQueue
	Usage      *app.UsageService
	Reconciler *app.Reconciler
	Sweeper    *app.Sweeper
	Gateway    *app.Gateway
	Scheduler  *app.Scheduler

	clock     ports.Clock
	registry  prometheus.Registerer
	gatherer  prometheus.Gatherer
	adminHash atomic.Pointer[string]
	upstream  *qghttp.UpstreamProxy
	closers   []io.Closer
}

// Options customizes New. Zero values select production defaults.
type Options struct {
	Logger   *zerolog.Logger
	Clock    ports.Clock
	Registry *prometheus.Registry // defaults to the global registry
}

// New creates and initializes the application.
func New(cfg *config.Config) (*App, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates the application with injected infrastructure.
func NewWithOptions(cfg *config.Config, opts Options) (*App, error) {
	logger := SetupLogger(cfg.Logging)
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	a := &App{
		Logger:   logger,
		Config:   cfg,
		clock:    opts.Clock,
		registry: prometheus.DefaultRegisterer,
		gatherer: prometheus.DefaultGatherer,
	}
	if a.clock == nil {
		a.clock = clock.Real{}
	}
	if opts.Registry != nil {
		a.registry = opts.Registry
		a.gatherer = opts.Registry
	}
	hash := cfg.Admin.TokenHash
	a.adminHash.Store(&hash)

	logger.Info().Str("store", cfg.Store.Driver).Msg("initializing quotaguard")

	ctx := context.Background()
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"database", a.initDatabase},
		{"store", a.initStore},
		{"services", a.initServices},
		{"plans", a.SyncPlans},
		{"scheduler", a.initScheduler},
		{"http server", a.initHTTPServer},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("init %s: %w", step.name, err)
		}
	}

	return a, nil
}

func (a *App) initDatabase(ctx context.Context) error {
	db, err := sqlite.Open(a.Config.Database.DSN)
	if err != nil {
		return err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return fmt.Errorf("migrate: %w", err)
	}

	a.DB = db
	a.closers = append(a.closers, db)
	a.Logger.Info().Str("dsn", a.Config.Database.DSN).Msg("database initialized")
	return nil
}

func (a *App) initStore(ctx context.Context) error {
	switch a.Config.Store.Driver {
	case "memory":
		s := memory.NewCounterStore(a.clock, memory.CounterStoreConfig{})
		a.Store = s
		a.closers = append(a.closers, s)
		a.Logger.Warn().Msg("using in-memory counter store; limits are not shared between instances")

	case "redis":
		rc := a.Config.Redis
		s := redis.New(redis.NewClient(redis.Config{
			Addr:         rc.Addr,
			Password:     rc.Password,
			DB:           rc.DB,
			PoolSize:     rc.PoolSize,
			DialTimeout:  rc.DialTimeout,
			ReadTimeout:  rc.ReadTimeout,
			WriteTimeout: rc.WriteTimeout,
		}))
		a.Store = s
		a.closers = append(a.closers, s)

		// The store is allowed to be down at boot: decisions fail open
		// and jobs retry.
		pingCtx, cancel := context.WithTimeout(ctx, rc.DialTimeout)
		defer cancel()
		if err := s.Ping(pingCtx); err != nil {
			a.Logger.Warn().Err(err).Str("addr", rc.Addr).Msg("redis unreachable at startup")
		} else {
			a.Logger.Info().Str("addr", rc.Addr).Msg("redis connected")
		}

	default:
		return fmt.Errorf("unknown store driver %q", a.Config.Store.Driver)
	}
	return nil
}

func (a *App) initServices(ctx context.Context) error {
	cfg := a.Config

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.NewWithRegistry(a.registry)
	}
	m := a.portsMetrics()

	a.Directory = sqlite.NewDirectory(a.DB)
	a.Ledger = sqlite.NewLedgerStore(a.DB)
	a.Queue = app.NewUsageQueue(a.Store, cfg.RateLimit.QueueTTL)
	a.Plans = app.NewPlanCache(a.Directory, a.Store, a.clock, a.Logger, cfg.Cache.PlanTTL)
	a.Limiter = app.NewRateLimitService(app.RateLimitDeps{
		Store:   a.Store,
		Clock:   a.clock,
		Metrics: m,
		Logger:  a.Logger,
	}, app.RateLimitConfig{FailureMode: cfg.RateLimit.FailureMode})
	a.Slots = app.NewSlotTracker(a.Store, m, a.Logger, app.SlotTrackerConfig{
		TTL:         cfg.RateLimit.SlotTTL,
		FailureMode: cfg.RateLimit.FailureMode,
	})
	a.Usage = app.NewUsageService(app.UsageDeps{
		Store:   a.Store,
		Queue:   a.Queue,
		Ledger:  a.Ledger,
		Plans:   a.Plans,
		Clock:   a.clock,
		Metrics: m,
		Logger:  a.Logger,
	}, app.UsageConfig{AnalyticsTTL: cfg.Cache.AnalyticsTTL})
	a.Reconciler = app.NewReconciler(app.ReconcilerDeps{
		Queue:         a.Queue,
		Ledger:        a.Ledger,
		Subscriptions: a.Directory,
		Clock:         a.clock,
		Metrics:       m,
		Logger:        a.Logger,
	})
	a.Sweeper = app.NewSweeper(a.Store, a.Logger, app.SweeperConfig{
		SlotTTL:      a.Slots.TTL(),
		QueueTTL:     a.Queue.TTL(),
		PlanTTL:      cfg.Cache.PlanTTL,
		AnalyticsTTL: cfg.Cache.AnalyticsTTL,
	})
	a.Gateway = app.NewGateway(app.GatewayDeps{
		Plans:   a.Plans,
		Limiter: a.Limiter,
		Slots:   a.Slots,
		Usage:   a.Usage,
		IDs:     idgen.UUID{},
		Clock:   a.clock,
		Metrics: m,
		Logger:  a.Logger,
	})
	return nil
}

// portsMetrics avoids handing a typed nil collector to services.
func (a *App) portsMetrics() ports.Metrics {
	if a.Metrics == nil {
		return nil
	}
	return a.Metrics
}

// SyncPlans upserts the configured plans into the catalogue and selects the
// default plan for users without a subscription.
func (a *App) SyncPlans(ctx context.Context) error {
	for _, p := range PlansFromConfig(a.Config.Plans) {
		if err := a.Directory.Upsert(ctx, p); err != nil {
			return err
		}
	}

	plans, err := a.Directory.List(ctx)
	if err != nil {
		return fmt.Errorf("list plans: %w", err)
	}
	def := plan.DefaultPlan(plans)
	a.Plans.SetDefault(def)

	a.Logger.Info().
		Int("count", len(plans)).
		Str("default", def.ID).
		Msg("plan catalogue loaded")
	return nil
}

// PlansFromConfig converts configured plans to domain plans.
func PlansFromConfig(cfgs []config.PlanConfig) []plan.Plan {
	out := make([]plan.Plan, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, plan.Plan{
			ID:   c.ID,
			Name: c.Name,
			Limits: plan.Limits{
				MonthlyQuota:       c.RequestsPerMonth,
				ConcurrentRequests: c.ConcurrentRequests,
			},
			IsDefault: c.Default,
		})
	}
	return out
}

func (a *App) initScheduler(ctx context.Context) error {
	sc := a.Config.Scheduler
	a.Scheduler = app.NewScheduler(a.clock, a.portsMetrics(), a.Logger)

	jobs := []struct {
		name    string
		spec    string
		backoff time.Duration
		run     func(context.Context) error
	}{
		{"persistence", sc.Persistence, sc.PersistenceRetryBackoff, a.Reconciler.Run},
		{"rate_limit_sweep", sc.RateLimitSweep, sc.RetryBackoff, func(ctx context.Context) error {
			_, err := a.Sweeper.SweepRateLimits(ctx)
			return err
		}},
		{"cache_sweep", sc.CacheSweep, sc.RetryBackoff, func(ctx context.Context) error {
			_, err := a.Sweeper.SweepCaches(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		sched, err := app.ParseSchedule(j.spec)
		if err != nil {
			return fmt.Errorf("job %s: %w", j.name, err)
		}
		a.Scheduler.Add(app.Job{
			Name:       j.name,
			Schedule:   sched,
			Run:        j.run,
			Backoff:    j.backoff,
			MaxRetries: sc.MaxRetries,
		})
	}
	return nil
}

func (a *App) initHTTPServer(ctx context.Context) error {
	cfg := a.Config
	users := qghttp.HeaderUserResolver{Header: cfg.Server.UserHeader}

	checks := map[string]qghttp.HealthChecker{
		"store":    qghttp.HealthCheckFunc(a.Store.Ping),
		"database": qghttp.HealthCheckFunc(a.DB.Ping),
	}

	var upstream http.Handler
	if cfg.Upstream.URL != "" {
		proxy, err := qghttp.NewUpstreamProxy(qghttp.UpstreamConfig{
			BaseURL:         cfg.Upstream.URL,
			Timeout:         cfg.Upstream.Timeout,
			MaxIdleConns:    cfg.Upstream.MaxIdleConns,
			IdleConnTimeout: cfg.Upstream.IdleConnTimeout,
		}, a.Logger)
		if err != nil {
			return fmt.Errorf("upstream: %w", err)
		}
		a.upstream = proxy
		a.closers = append(a.closers, proxy)
		upstream = proxy
		checks["upstream"] = proxy
	}

	a.Handler = qghttp.NewRouter(qghttp.RouterConfig{
		Health:         qghttp.NewHealthHandler(checks),
		Usage:          qghttp.NewUsageHandler(a.Usage, a.Limiter, a.Plans, users, a.Logger),
		Admin:          qghttp.NewAdminHandler(a.Usage, a.Reconciler, a.clock, a.Logger),
		AdminAuth:      qghttp.AdminAuth(hasher.NewBcrypt(0), a.AdminTokenHash),
		RateLimit:      qghttp.RateLimit(a.Gateway, users, a.Logger, qghttp.RateLimitOptions{}),
		Upstream:       upstream,
		Metrics:        a.Metrics,
		Gatherer:       a.gatherer,
		EnableOpenAPI:  cfg.OpenAPI.Enabled,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         a.Logger,
	})

	a.HTTPServer = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      a.Handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return nil
}

// AdminTokenHash returns the current admin token hash. It changes on reload.
func (a *App) AdminTokenHash() string {
	return *a.adminHash.Load()
}

// Run serves HTTP and runs the scheduler until ctx is cancelled, SIGINT or
// SIGTERM arrives, or the server fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.Config.Scheduler.Enabled {
		if err := a.Scheduler.Start(ctx); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case err := <-errCh:
		runErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		a.Logger.Info().Msg("shutting down")
	}

	if err := a.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown drains HTTP traffic, stops the scheduler and releases resources.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
			errs = append(errs, err)
		}
	}

	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}

	if err := a.Close(); err != nil {
		errs = append(errs, err)
	}

	a.Logger.Info().Msg("shutdown complete")
	return errors.Join(errs...)
}

// Close releases the store, database and upstream connections in reverse
// order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.Logger.Error().Err(err).Msg("close error")
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// ApplyConfig applies the reloadable parts of a new configuration: log
// level, admin token and plan catalogue.
func (a *App) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	hash := cfg.Admin.TokenHash
	a.adminHash.Store(&hash)

	prev := a.Config
	next := *prev
	next.Plans = cfg.Plans
	next.Logging.Level = cfg.Logging.Level
	next.Admin = cfg.Admin
	a.Config = &next

	if err := a.SyncPlans(ctx); err != nil {
		return fmt.Errorf("sync plans: %w", err)
	}
	return nil
}

// Watch applies config changes from the holder until it is stopped.
func (a *App) Watch(h *config.Holder) {
	if a.Metrics != nil {
		h.SetObserver(a.Metrics)
	}
	h.OnChange(func(cfg *config.Config) {
		if err := a.ApplyConfig(context.Background(), cfg); err != nil {
			a.Logger.Error().Err(err).Msg("failed to apply reloaded config")
		}
	})
}

// SetupLogger builds the process logger.
func SetupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
