package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/hookpulse/internal/aggregate"
	"github.com/onnwee/hookpulse/internal/anomaly"
	"github.com/onnwee/hookpulse/internal/api"
	"github.com/onnwee/hookpulse/internal/auth"
	"github.com/onnwee/hookpulse/internal/broadcast"
	"github.com/onnwee/hookpulse/internal/config"
	"github.com/onnwee/hookpulse/internal/event"
	"github.com/onnwee/hookpulse/internal/health"
	"github.com/onnwee/hookpulse/internal/hook"
	"github.com/onnwee/hookpulse/internal/ingest"
	"github.com/onnwee/hookpulse/internal/jobs"
	"github.com/onnwee/hookpulse/internal/middleware"
	"github.com/onnwee/hookpulse/internal/query"
	"github.com/onnwee/hookpulse/internal/scoring"
	"github.com/onnwee/hookpulse/internal/session"
	"github.com/onnwee/hookpulse/internal/stats"
	"github.com/onnwee/hookpulse/internal/store"
	"github.com/onnwee/hookpulse/internal/tracing"
)

// periodic is a started background job.
type periodic interface {
	Start(ctx context.Context) error
	Stop()
}

// app owns every long-lived component of the server.
type app struct {
	logger  *slog.Logger
	handler http.Handler

	lifetime    context.Context
	endLifetime context.CancelFunc

	tracer      *tracing.Provider
	store       store.Store
	writes      *stats.BucketWrites
	redis       *redis.Client
	broadcaster *broadcast.Broadcaster
	pipeline    *ingest.Pipeline
	engine      *aggregate.Engine
	jobs        []periodic
}

// metricSet is the registered Prometheus collectors of every package.
type metricSet struct {
	http      *middleware.Metrics
	aggregate *aggregate.Metrics
	ingest    *ingest.Metrics
	scoring   *scoring.Metrics
	anomaly   *anomaly.Metrics
	broadcast *broadcast.Metrics
	jobs      *jobs.Metrics
}

type registerer interface {
	Register(prometheus.Registerer) error
}

func newMetricSet() (*metricSet, *prometheus.Registry, error) {
	m := &metricSet{
		http:      middleware.NewMetrics(),
		aggregate: aggregate.NewMetrics(),
		ingest:    ingest.NewMetrics(),
		scoring:   scoring.NewMetrics(),
		anomaly:   anomaly.NewMetrics(),
		broadcast: broadcast.NewMetrics(),
		jobs:      jobs.NewMetrics(),
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, r := range []registerer{m.http, m.aggregate, m.ingest, m.scoring, m.anomaly, m.broadcast, m.jobs} {
		if err := r.Register(reg); err != nil {
			return nil, nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, reg, nil
}

// openStore opens the configured storage backend and wraps it with write
// retries. The backend's bucket write counters are returned for reporting.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, *stats.BucketWrites, error) {
	var inner interface {
		store.Store
		BucketWrites() *stats.BucketWrites
	}
	switch cfg.StorageDriver {
	case config.DriverMemory:
		logger.Warn("using in-memory storage; data is lost on restart")
		inner = store.NewMemoryStore()
	case config.DriverSQLite:
		if err := os.MkdirAll(cfg.MetricsRoot, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create metrics root: %w", err)
		}
		s, err := store.OpenSQLite(cfg.SQLitePath(), logger)
		if err != nil {
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		inner = s
	case config.DriverPostgres:
		s, err := store.OpenPostgres(cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		inner = s
	default:
		return nil, nil, fmt.Errorf("%w: %q", config.ErrUnknownStorageDriver, cfg.StorageDriver)
	}
	return store.NewRetryingStore(inner, store.RetryConfig{Logger: logger}), inner.BucketWrites(), nil
}

// anomalyConfig raises the severity thresholds when k is configured above them.
func anomalyConfig(cfg *config.Config) anomaly.Config {
	c := anomaly.DefaultConfig()
	c.WindowSize = cfg.AnomalyWindow
	c.MinSamples = cfg.AnomalyMinSamples
	c.K = cfg.AnomalyK
	c.MediumSigmas = max(c.MediumSigmas, c.K)
	c.HighSigmas = max(c.HighSigmas, c.MediumSigmas)
	return c
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}
	a.lifetime, a.endLifetime = context.WithCancel(context.WithoutCancel(ctx))
	started := false
	defer func() {
		if !started {
			a.shutdown(context.Background())
		}
	}()

	var err error
	a.tracer, err = tracing.NewProvider(tracing.Config{
		ServiceName:    api.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		Enabled:        cfg.TracingEnabled,
		Exporter:       cfg.TracingExporter,
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.TracingInsecure,
		SampleRate:     cfg.TracingSampleRate,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	metrics, promRegistry, err := newMetricSet()
	if err != nil {
		return nil, err
	}

	a.store, a.writes, err = openStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	widths := slices.Clone(cfg.BucketWidths)
	slices.Sort(widths)
	finest, coarsest := widths[0], widths[len(widths)-1]

	registry := session.NewRegistry(session.RegistryConfig{Logger: logger})
	validator := event.NewValidator(event.ValidatorConfig{
		MaxFutureSkew: cfg.MaxFutureSkew,
		MaxPastAge:    cfg.MaxPastAge,
	})
	a.engine, err = aggregate.NewEngine(aggregate.Config{
		Widths:  widths,
		Logger:  logger,
		Metrics: metrics.aggregate,
	}, a.store)
	if err != nil {
		return nil, fmt.Errorf("create aggregation engine: %w", err)
	}

	a.broadcaster = broadcast.New(broadcast.Config{Logger: logger, Metrics: metrics.broadcast})
	if cfg.RedisURL != "" {
		opts, perr := redis.ParseURL(cfg.RedisURL)
		if perr != nil {
			return nil, fmt.Errorf("parse redis url: %w", perr)
		}
		a.redis = redis.NewClient(opts)
		relay := broadcast.NewRelay(a.redis, cfg.RelayChannel, a.broadcaster)
		go func() {
			if err := relay.Run(a.lifetime); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("activity relay stopped", "error", err)
			}
		}()
	}
	recorder := ingest.NewRecorder(a.store, a.broadcaster, logger)

	scoringCfg := scoring.DefaultConfig()
	scoringCfg.Epsilon = cfg.ScoreEpsilon
	scoringCfg.BucketWidth = finest
	scorer, err := scoring.NewService(scoringCfg, a.store, logger)
	if err != nil {
		return nil, fmt.Errorf("create scoring service: %w", err)
	}
	stale := scoring.NewStaleTracker()

	detector, err := anomaly.NewDetector(anomalyConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create anomaly detector: %w", err)
	}
	history, err := a.store.ListBuckets(ctx, aggregate.Query{Width: finest, From: time.Now().Add(-cfg.RecoverWindow)})
	if err != nil {
		return nil, fmt.Errorf("seed anomaly detector: %w", err)
	}
	detector.Seed(history)

	a.engine.AddListener(stale)
	a.engine.AddListener(&anomaly.Listener{
		Detector: detector,
		Width:    finest,
		Sink:     a.store,
		Emitter:  recorder,
		Metrics:  metrics.anomaly,
		Logger:   logger,
	})
	a.engine.AddListener(recorder)

	replay := ingest.NewReplayQueue(ingest.ReplayConfig{
		Capacity: cfg.ReplayCapacity,
		Logger:   logger,
		Metrics:  metrics.ingest,
	})
	a.pipeline, err = ingest.New(ingest.Config{
		Workers:        cfg.Workers,
		QueueSize:      cfg.QueueSize,
		ProcessTimeout: cfg.ProcessTimeout,
		Logger:         logger,
		Metrics:        metrics.ingest,
	}, ingest.Deps{
		Validator: validator,
		Registry:  registry,
		Store:     a.store,
		Engine:    a.engine,
		Emitter:   recorder,
		Replay:    replay,
	})
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	if err := a.pipeline.Recover(ctx, time.Now().Add(-cfg.RecoverWindow)); err != nil {
		return nil, err
	}
	a.pipeline.Start()

	jobCfg := func(interval time.Duration) jobs.Config {
		return jobs.Config{Interval: interval, Logger: logger, Reporter: metrics.jobs}
	}
	a.jobs = append(a.jobs,
		ingest.NewBucketCloseJob(a.engine, jobCfg(cfg.BucketCloseInterval), nil),
		ingest.NewReplayJob(a.pipeline, jobCfg(cfg.ReplayInterval)),
		ingest.NewSessionPruneJob(registry, cfg.SessionRetention, jobCfg(cfg.PruneInterval), nil),
		scoring.NewRecomputeJob(scoring.RecomputeJobConfig{
			Interval:   cfg.ScoreInterval,
			Window:     coarsest,
			Logger:     logger,
			Metrics:    metrics.scoring,
			JobMetrics: metrics.jobs,
		}, stale, scorer, a.store, recorder),
	)

	hooks, err := hook.NewSource(cfg.HooksFile, logger)
	if err != nil {
		return nil, fmt.Errorf("load hooks: %w", err)
	}
	go func() {
		if err := hooks.Watch(a.lifetime); err != nil {
			logger.Error("hook config watcher stopped; reloads disabled", "error", err)
		}
	}()

	queries, err := query.NewService(query.Config{
		TrendWidth:  coarsest,
		DetailWidth: finest,
		Epsilon:     cfg.ScoreEpsilon,
		Logger:      logger,
	}, query.Deps{Store: a.store, Live: a.engine, Sessions: registry, Scorer: scorer})
	if err != nil {
		return nil, fmt.Errorf("create query service: %w", err)
	}

	routerCfg := api.RouterConfig{
		Hooks: api.NewHookHandlers(api.HookHandlersConfig{
			Hooks:           hooks,
			Ingester:        a.pipeline,
			MaxPayloadBytes: cfg.MaxPayloadBytes,
			Logger:          logger,
		}),
		Queries:        api.NewQueryHandlers(queries),
		Metrics:        promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		HTTPMetrics:    metrics.http,
		CORS:           middleware.DefaultCORSConfig(cfg.CORSOrigins),
		Profiling:      middleware.ProfilingConfig{Enabled: cfg.ProfilingEnabled, Environment: cfg.Env},
		TracingEnabled: cfg.TracingEnabled,
		Logger:         logger,
	}
	routerCfg.Feed = api.NewFeedHandlers(api.FeedHandlersConfig{
		Broadcaster: a.broadcaster,
		CheckOrigin: func(r *http.Request) bool { return routerCfg.CORS.AllowsOrigin(r.Header.Get("Origin")) },
		Lifetime:    a.lifetime,
		Logger:      logger,
	})

	if cfg.AuthEnabled {
		routerCfg.Authorizer = auth.NewTokenService(cfg.JWTSecret, cfg.JWTPreviousSecret)
	}
	if cfg.HookRateLimit > 0 || cfg.QueryRateLimit > 0 {
		routerCfg.HookLimit = perMinute(cfg.HookRateLimit)
		routerCfg.QueryLimit = perMinute(cfg.QueryRateLimit)
		if a.redis != nil {
			routerCfg.RateLimits = middleware.NewRedisRateLimitStore(a.redis, metrics.http, logger)
		} else {
			limits := middleware.NewInMemoryRateLimitStore()
			routerCfg.RateLimits = limits
			a.jobs = append(a.jobs, jobs.NewPeriodic(jobs.Config{
				JobType:  jobs.JobTypeRateLimitCleanup,
				Interval: 5 * time.Minute,
				Logger:   logger,
				Reporter: metrics.jobs,
			}, func(context.Context) error {
				limits.Cleanup()
				return nil
			}))
		}
	}

	checkers := []api.HealthChecker{
		health.NewStoreChecker(a.store),
		health.NewQueueChecker("ingest_queue", a.pipeline.QueueDepth, cfg.ReadyQueueLimit),
	}
	if a.redis != nil {
		checkers = append(checkers, health.NewRedisChecker(a.redis))
	}
	routerCfg.Health = api.NewHealthHandlers(api.HealthHandlersConfig{Checkers: checkers})

	a.handler = api.NewRouter(routerCfg)

	for _, j := range a.jobs {
		if err := j.Start(a.lifetime); err != nil {
			return nil, fmt.Errorf("start background job: %w", err)
		}
	}
	started = true
	return a, nil
}

// perMinute converts a requests-per-minute setting; 0 means unlimited.
func perMinute(n int) middleware.RateLimitConfig {
	if n <= 0 {
		n = 1 << 30
	}
	return middleware.RateLimitConfig{RequestsPerWindow: n, WindowDuration: time.Minute}
}

// shutdown stops background work and releases resources. Jobs stop before
// the pipeline so a replay drain cannot race its workers shutting down;
// the pipeline drains before the store closes.
func (a *app) shutdown(ctx context.Context) {
	a.endLifetime()
	for _, j := range a.jobs {
		j.Stop()
	}
	if a.pipeline != nil {
		a.pipeline.Stop()
	}
	if a.engine != nil {
		if n, err := a.engine.CloseDue(ctx, time.Now()); err != nil {
			a.logger.Warn("final bucket close failed", "closed", n, "error", err)
		}
	}
	if a.broadcaster != nil {
		a.broadcaster.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis client", "error", err)
		}
	}
	if a.writes != nil {
		a.writes.LogSummary(a.logger)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close store", "error", err)
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("failed to flush traces", "error", err)
		}
	}
}
