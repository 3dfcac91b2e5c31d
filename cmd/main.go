package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/okian/benchrank/internal/adapters/http/api"
	"github.com/okian/benchrank/internal/adapters/http/swagger"
	"github.com/okian/benchrank/internal/adapters/lock"
	"github.com/okian/benchrank/internal/adapters/mq/events"
	"github.com/okian/benchrank/internal/adapters/repository"
	"github.com/okian/benchrank/internal/adapters/repository/postgres"
	service "github.com/okian/benchrank/internal/app"
	"github.com/okian/benchrank/internal/config"
	"github.com/okian/benchrank/internal/domain/elo"
	"github.com/okian/benchrank/internal/domain/trust"
	"github.com/okian/benchrank/internal/tracing"
	"github.com/okian/benchrank/pkg/logger"
	"github.com/okian/benchrank/pkg/metrics"
)

// Version is set at build time.
var Version = "dev"

// HTTP server timeout constants.
const (
	readTimeout               = 10 * time.Second
	writeTimeout              = 10 * time.Minute
	idleTimeout               = 60 * time.Second
	readHeaderTimeout         = 5 * time.Second
	shutdownTimeout           = 30 * time.Second
	redisPingTimeout          = 5 * time.Second
	systemMetricsInterval     = 10 * time.Second
	nanosecondsPerMillisecond = 1e6
)

func main() {
	// Disable default Go metrics collection to avoid duplicate metrics
	// We collect our own custom system metrics instead
	prometheus.Unregister(collectors.NewGoCollector())
	prometheus.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.Get().Error(ctx, "benchrank exited", logger.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := logger.Get()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	tp, err := tracing.NewProvider(ctx, tracing.Config{
		ServiceName:  cfg.ServiceName,
		Version:      Version,
		Enabled:      cfg.TracingEnabled,
		ExporterType: cfg.TracingExporter,
		OTLPEndpoint: cfg.TracingEndpoint,
		SamplingRate: cfg.TracingSamplingRate,
		InsecureMode: cfg.TracingInsecure,
	}, log.Named("tracing"))
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	store, closeStore, err := newStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	locker, closeLocker, err := newLocker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLocker()

	svc := newService(cfg, store, locker, newPublisher(cfg, log), log)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	defer svc.Stop()

	scheduler := service.NewScheduler(svc, cfg.ScheduleInterval(), cfg.RunTimeout(), log.Named("scheduler"))
	scheduler.Start(ctx)
	defer func() { _ = scheduler.Close() }()

	supervisor := service.NewSupervisor(locker, store, cfg.SupervisorEvery(), service.WithSupervisorLogger(log.Named("supervisor")))
	supervisor.Start(ctx)
	defer func() { _ = supervisor.Close() }()

	go startSystemMetricsUpdater(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newHandler(ctx, cfg, svc),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr), logger.String("holder", svc.Holder()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	log.Info(ctx, "shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	log.Info(ctx, "server stopped")
	return nil
}

// newStore opens the configured epoch store.
func newStore(ctx context.Context, cfg *config.Config, log logger.Logger) (repository.Store, func(), error) {
	if cfg.Store != "postgres" {
		log.Info(ctx, "using in-memory store")
		return repository.NewMemoryStore(), func() {}, nil
	}
	db, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.Migrate(ctx, db, log.Named("migrate")); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrate postgres: %w", err)
	}
	st := postgres.New(db, postgres.WithLogger(log.Named("postgres")))
	log.Info(ctx, "using postgres store")
	return st, func() { _ = st.Close() }, nil
}

// newLocker returns the redis lock when an address is configured and the
// in-process lock otherwise.
func newLocker(ctx context.Context, cfg *config.Config) (lock.Locker, func(), error) {
	if cfg.RedisAddr == "" {
		return lock.NewMemoryLocker(lock.WithMemoryStaleAfter(cfg.LockStaleAfter())), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.RedisAddr, err)
	}
	return lock.NewRedisLocker(rdb, lock.WithStaleAfter(cfg.LockStaleAfter())), func() { _ = rdb.Close() }, nil
}

// newPublisher returns a kafka publisher when brokers are configured.
func newPublisher(cfg *config.Config, log logger.Logger) events.Publisher {
	brokers := events.ParseBrokers(cfg.KafkaBrokers)
	if len(brokers) == 0 {
		return events.NopPublisher{}
	}
	return events.NewKafkaPublisher(brokers, cfg.KafkaTopic, events.WithLogger(log.Named("events")))
}

func newService(cfg *config.Config, store repository.Store, locker lock.Locker, pub events.Publisher, log logger.Logger) *service.Service {
	engine := elo.New(
		elo.WithKFactor(cfg.KFactor),
		elo.WithDefaultRating(cfg.DefaultRating),
		elo.WithCatalog(cfg.Catalog()),
		elo.WithLogger(log.Named("elo")),
	)
	aggregator := trust.New(
		trust.WithSourceWeights(cfg.ReviewWeight, cfg.QuickFeedbackWeight, cfg.CommentWeight),
		trust.WithNeutralTrust(cfg.NeutralTrust),
		trust.WithMinTrustWeight(cfg.MinTrustWeight),
		trust.WithRoleWeights(cfg.AuthorWeight, cfg.CollaboratorWeight),
		trust.WithMinBenchmarkPrompts(cfg.MinBenchmarkPrompts),
		trust.WithMinReviewerVotes(cfg.MinReviewerVotes),
		trust.WithMinConsensusVoters(cfg.MinConsensusVoters),
		trust.WithLogger(log.Named("trust")),
	)
	projections := repository.NewProjections(
		repository.WithRefreshInterval(cfg.ProjectionRefresh()),
		repository.WithProjectionLogger(log.Named("projections")),
	)
	return service.New(store, locker,
		service.WithEngine(engine),
		service.WithAggregator(aggregator),
		service.WithProjections(projections),
		service.WithPublisher(pub),
		service.WithMaxSkipRatio(cfg.MaxSkipRatio),
		service.WithHeartbeatInterval(cfg.HeartbeatInterval()),
		service.WithRetention(cfg.RetainSucceededEpochs, cfg.FailedRetention()),
		service.WithGC(cfg.GCWorkers, cfg.GCQueueSize),
		service.WithLogger(log.Named("service")),
	)
}

// newHandler registers every route and wraps the mux with tracing.
func newHandler(ctx context.Context, cfg *config.Config, svc *service.Service) http.Handler {
	mux := http.NewServeMux()
	swagger.Register(ctx, mux)
	api.NewServer(svc, svc,
		api.WithMaxLimit(cfg.MaxPageLimit),
		api.WithTriggerRateLimit(cfg.TriggerRatePerSec, cfg.TriggerBurst),
	).Register(ctx, mux)

	return otelhttp.NewHandler(mux, cfg.ServiceName,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// startSystemMetricsUpdater starts a background goroutine that updates system metrics.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())

	if m.NumGC > 0 {
		avgPauseMs := float64(m.PauseTotalNs) / float64(m.NumGC) / nanosecondsPerMillisecond
		metrics.RecordSystemGCPauseTime(avgPauseMs)
	}
}
