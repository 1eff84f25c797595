package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"enricher/internal/enrichment/batch"
	"enricher/internal/enrichment/events"
	"enricher/internal/enrichment/handler"
	"enricher/internal/enrichment/metrics"
	"enricher/internal/enrichment/ports"
	"enricher/internal/enrichment/scheduler"
	"enricher/internal/enrichment/service"
	"enricher/internal/enrichment/store"
	"enricher/internal/platform/config"
	"enricher/internal/platform/httpserver"
	"enricher/internal/platform/kafka"
	"enricher/internal/platform/logger"
	"enricher/internal/platform/postgres"
	"enricher/internal/platform/redis"
	"enricher/internal/ratelimit"
	"enricher/internal/registry"
	"enricher/internal/registry/cache"
	"enricher/pkg/platform/circuit"
	"enricher/pkg/platform/middleware/correlation"
)

const (
	outcomeTopicPartitions  = 6
	outcomeTopicReplication = 1
	publisherFlushTimeout   = 10 * time.Second
)

// main wires dependencies and keeps the process lifecycle small. Engine logic
// lives in internal/enrichment.
func main() {
	drainOnly := flag.Bool("drain", false, "process every pending item, then exit")
	flag.Parse()

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *drainOnly); err != nil {
		log.Error("enricher stopped", "error", err)
		os.Exit(1)
	}
}

type infra struct {
	store     store.Store
	checks    map[string]handler.HealthCheck
	cache     ports.ResultCache
	publisher ports.OutcomePublisher
	closers   []func(context.Context)
}

func (i *infra) close(ctx context.Context) {
	for n := len(i.closers) - 1; n >= 0; n-- {
		i.closers[n](ctx)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger, drainOnly bool) error {
	m := metrics.New()

	deps, err := buildInfra(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), publisherFlushTimeout)
		defer cancel()
		deps.close(closeCtx)
	}()

	breaker := circuit.New("registry",
		circuit.WithFailureThreshold(cfg.Breaker.FailureThreshold),
		circuit.WithSuccessThreshold(cfg.Breaker.HalfOpenSuccessThreshold),
		circuit.WithOpenDuration(cfg.Breaker.OpenDuration),
		circuit.WithStateChangeHook(m.ObserveCircuitTransition),
	)
	m.SetCircuitState(breaker.State())

	limiter, err := ratelimit.New(cfg.Batch.RateLimitPerSecond, cfg.Batch.RateLimitBurst,
		ratelimit.WithAcquireTimeout(cfg.Batch.AcquireTimeout),
		ratelimit.WithAdaptive(cfg.Batch.AdaptiveRate),
		ratelimit.WithLogger(log),
		ratelimit.WithRateObserver(m.SetRate),
		ratelimit.WithAcquireTimeoutObserver(m.IncrementAcquireTimeouts),
	)
	if err != nil {
		return fmt.Errorf("create rate limiter: %w", err)
	}

	registryClient, err := registry.NewHTTPClient(cfg.Registry.URL, registry.WithTimeout(cfg.Registry.Timeout))
	if err != nil {
		return fmt.Errorf("create registry client: %w", err)
	}

	runnerOpts := []batch.Option{
		batch.WithPublisher(deps.publisher),
		batch.WithMetrics(m),
		batch.WithLogger(log),
	}
	if deps.cache != nil {
		runnerOpts = append(runnerOpts, batch.WithCache(deps.cache))
	}
	runner, err := batch.New(deps.store, registryClient, breaker, limiter, cfg.Batch, runnerOpts...)
	if err != nil {
		return fmt.Errorf("create batch runner: %w", err)
	}
	recoverer, err := batch.NewRecoverer(deps.store, cfg.Batch,
		batch.WithRecovererMetrics(m),
		batch.WithRecovererLogger(log),
	)
	if err != nil {
		return fmt.Errorf("create recoverer: %w", err)
	}

	svc, err := service.New(runner, recoverer, deps.store, breaker, limiter,
		service.WithLogger(log),
		service.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	if drainOnly {
		result, err := svc.ProcessAllPending(ctx)
		log.Info("drain finished",
			"batches", result.Batches,
			"succeeded", result.Succeeded,
			"failed", result.Failed,
			"reason", result.Reason,
		)
		return err
	}

	sched, err := scheduler.New(runner, recoverer, cfg.Batch, scheduler.WithLogger(log))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	router := chi.NewRouter()
	router.Use(chimw.Recoverer)
	router.Use(correlation.Middleware)
	router.Handle("/metrics", promhttp.Handler())
	handler.New(svc, log, deps.checks).Register(router)

	srv := httpserver.New(cfg.Server.Addr, router)
	// A manually triggered batch answers only when it finishes.
	srv.WriteTimeout = cfg.Batch.BatchTimeout + cfg.Batch.StoreTimeout

	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(ctx) }()

	serveErr := httpserver.Run(ctx, srv, cfg.Server.ShutdownTimeout, log)

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if svc.Stop(stopCtx) {
		log.Info("continuous processing stopped for shutdown")
	}
	// A scheduled batch already running is allowed to finish; it is bounded
	// by the batch timeout.
	if runner.InFlight() {
		log.Info("waiting for the running batch to finish")
	}
	if err := <-schedDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Error("scheduler stopped", "error", err)
	}
	return serveErr
}

// buildInfra connects the configured backends. Optional backends that are not
// configured fall back to in-process implementations.
func buildInfra(ctx context.Context, cfg config.Config, log *slog.Logger, m *metrics.Metrics) (*infra, error) {
	deps := &infra{
		checks:    map[string]handler.HealthCheck{},
		publisher: events.NoopPublisher{},
	}

	if cfg.Database.URL != "" {
		db, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		pg := store.NewPostgres(db.DB)
		if err := pg.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate record store: %w", err)
		}
		deps.store = pg
		deps.checks["postgres"] = db.Health
		deps.closers = append(deps.closers, func(context.Context) {
			if err := db.Close(); err != nil {
				log.Warn("close database", "error", err)
			}
		})
	} else {
		log.Warn("DATABASE_URL not set, work items are kept in memory")
		deps.store = store.NewInMemoryStore()
	}

	rdb, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		deps.close(ctx)
		return nil, err
	}
	if rdb != nil {
		deps.checks["redis"] = rdb.Health
		deps.closers = append(deps.closers, func(context.Context) { _ = rdb.Close() })
		if cfg.Registry.CacheTTL > 0 {
			c, err := cache.NewRedisCache(rdb.Client, cfg.Registry.CacheTTL)
			if err != nil {
				deps.close(ctx)
				return nil, fmt.Errorf("create result cache: %w", err)
			}
			deps.cache = c
		}
	}

	producer, err := kafka.NewProducer(cfg.Kafka)
	if err != nil {
		deps.close(ctx)
		return nil, err
	}
	if producer != nil {
		if err := kafka.EnsureTopic(ctx, producer, cfg.Kafka.OutcomeTopic, outcomeTopicPartitions, outcomeTopicReplication); err != nil {
			// The broker may auto-create or the topic may be managed elsewhere.
			log.Warn("ensure outcome topic", "topic", cfg.Kafka.OutcomeTopic, "error", err)
		}
		publisher, err := events.NewKafkaPublisher(producer, cfg.Kafka.OutcomeTopic,
			events.WithMetrics(m),
			events.WithLogger(log),
		)
		if err != nil {
			producer.Close()
			deps.close(ctx)
			return nil, fmt.Errorf("create outcome publisher: %w", err)
		}
		deps.publisher = publisher
		deps.checks["kafka"] = func(ctx context.Context) error { return kafka.Health(ctx, producer) }
		deps.closers = append(deps.closers, func(ctx context.Context) {
			if err := publisher.Close(ctx); err != nil {
				log.Warn("flush outcome events", "error", err)
			}
			producer.Close()
		})
	}
	return deps, nil
}
