// Package main provides the entrypoint for the ACIS worker. The worker runs
// the request queue, feeds it from a Pub/Sub subscription and a job schedule,
// writes results to PostgreSQL and serves the ops endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/climatedata/acis/internal/acis/webservices"
	"github.com/climatedata/acis/internal/config"
	"github.com/climatedata/acis/internal/jobs"
	"github.com/climatedata/acis/internal/ops"
	"github.com/climatedata/acis/internal/provider/resilience"
	"github.com/climatedata/acis/internal/queue"
	"github.com/climatedata/acis/internal/store"
	"github.com/climatedata/acis/internal/telemetry"
	"github.com/climatedata/acis/internal/worker"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", config.ServiceName).
		Str("version", Version).
		Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log = log.Level(cfg.Level())

	log.Info().
		Str("build_time", BuildTime).
		Str("env", cfg.Env).
		Msg("starting ACIS worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("worker stopped with error")
	}
	log.Info().Msg("worker stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	tp, err := telemetry.Init(ctx, cfg.TelemetryConfig(Version))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	registry := resilience.NewRegistry()
	rc := resilience.DefaultClientConfig(webservices.ProviderName)
	rc.Timeout = cfg.ACIS.Timeout
	rc.MaxRetries = cfg.ACIS.HTTPRetries
	rc.Transport = otelhttp.NewTransport(http.DefaultTransport)
	rc.Registry = registry

	transport := webservices.NewClient(webservices.ClientConfig{
		BaseURL:    cfg.ACIS.BaseURL,
		HTTPClient: resilience.NewClient(rc),
		Tracer:     tp.Tracer,
		Logger:     log,
	})

	queueMetrics, err := tp.QueueMetrics()
	if err != nil {
		return fmt.Errorf("creating queue metrics: %w", err)
	}
	q, err := queue.New(transport, cfg.QueueConfig(log), queue.WithMetrics(queueMetrics))
	if err != nil {
		return fmt.Errorf("creating queue: %w", err)
	}

	handlerCfg := worker.HandlerConfig{Logger: log}
	if cfg.Database.Enabled {
		sink, pool, err := store.Open(ctx, cfg.StoreConfig(), log)
		if err != nil {
			return err
		}
		defer pool.Close()
		handlerCfg.Saver = sink
	}
	handler := worker.NewHandler(handlerCfg)

	httpMetrics, err := ops.NewHTTPMetrics(tp.Meter)
	if err != nil {
		return fmt.Errorf("creating http metrics: %w", err)
	}
	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: ops.NewRouter(ops.RouterConfig{
			Version:   Version,
			BuildTime: BuildTime,
			Logger:    log,
			Metrics:   httpMetrics,
			Queue:     q,
			Providers: registry,
			Results:   handler,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var sub *worker.Subscriber
	if cfg.PubSub.ProjectID != "" {
		sub, err = worker.NewSubscriber(ctx, worker.PubSubConfig{
			ProjectID:        cfg.PubSub.ProjectID,
			SubscriptionName: cfg.PubSub.Subscription,
			Queue:            q,
			Logger:           log,
		})
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := sub.Close(); closeErr != nil {
				log.Error().Err(closeErr).Msg("failed to close pubsub client")
			}
		}()
	}

	if cfg.Jobs.File != "" {
		queries, err := jobs.Load(cfg.Jobs.File)
		if err != nil {
			return err
		}
		scheduler := worker.NewScheduler(worker.SchedulerConfig{
			Queries:  queries,
			Schedule: cfg.Jobs.Schedule,
			Queue:    q,
			Logger:   log,
		})
		if err := scheduler.Start(); err != nil {
			return err
		}
		defer scheduler.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return q.Serve(gctx, handler.Complete)
	})

	if sub != nil {
		g.Go(func() error {
			return sub.Start(gctx)
		})
	}

	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Msg("ops server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
