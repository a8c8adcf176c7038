// Command batchengine boots the batch execution engine as a standalone
// process: load config, wire Store/Invoker/RowSource/ResultSink, run
// Recovery, start the Controller, and block until signalled to shut
// down. Grounded on the teacher's cmd/app/main.go bootstrap ordering
// (godotenv, logging, DB connect, worker pool start, graceful shutdown),
// with the crawler/worker-pool/HTTP-endpoint wiring replaced by this
// engine's own components.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/wwlabs/batchengine/internal/config"
	"github.com/wwlabs/batchengine/internal/controller"
	"github.com/wwlabs/batchengine/internal/engine"
	"github.com/wwlabs/batchengine/internal/invoker"
	"github.com/wwlabs/batchengine/internal/invoker/httpinvoker"
	"github.com/wwlabs/batchengine/internal/observability"
	"github.com/wwlabs/batchengine/internal/progress"
	"github.com/wwlabs/batchengine/internal/recovery"
	"github.com/wwlabs/batchengine/internal/resultsink"
	"github.com/wwlabs/batchengine/internal/rowsource"
	"github.com/wwlabs/batchengine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	observability.SetupLogging(cfg.Env, cfg.LogLevel)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.Env,
			TracesSampleRate: 0.2,
			EnableTracing:    true,
			Debug:            cfg.Env == "development",
		}); err != nil {
			log.Fatal().Err(err).Msg("failed to initialise Sentry")
		}
		defer sentry.Flush(2 * time.Second)
	} else {
		log.Warn().Msg("Sentry not initialised: SENTRY_DSN not provided")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.OpenFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	if err := store.WaitForDatabase(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("database did not become ready")
	}
	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure schema")
	}
	log.Info().Msg("connected to PostgreSQL database")

	st := store.NewPGStore(db)

	obsProviders, err := observability.Init(ctx, observability.Config{
		Enabled:        true,
		ServiceName:    "batchengine",
		Environment:    cfg.Env,
		MetricsAddress: ":9090",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise observability")
	}
	if obsProviders != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obsProviders.Shutdown(shutdownCtx)
		}()
		mux := http.NewServeMux()
		mux.Handle("/metrics", obsProviders.MetricsHandler)
		go func() {
			if err := http.ListenAndServe(":9090", mux); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server exited")
			}
		}()
	}

	source := rowsource.NewExcel()
	sink := resultsink.NewExcel(source, resultsink.DefaultFormatter, cfg.ResultOutputDir)

	invokerFactory := func(workflowRef string) (invoker.Invoker, error) {
		return httpinvoker.New(httpinvoker.Config{
			BaseURL:       workflowRef,
			APIKey:        os.Getenv("WORKFLOW_API_KEY"),
			RatePerSecond: 10,
		}), nil
	}

	ctl := controller.New(st, source, sink, invokerFactory)
	tracker := progress.New(st, cfg.ProgressPollInterval)

	if err := recovery.Run(ctx, st, ctl); err != nil {
		log.Fatal().Err(err).Msg("recovery pass failed")
	}
	log.Info().Msg("recovery complete, controller accepting new work")

	// There is no HTTP surface in this engine (spec.md §1 Non-goals); an
	// embedding application is expected to drive Controller directly. This
	// process still submits one batch from the environment when configured,
	// so `cmd/batchengine` is a runnable lifecycle demo rather than a bare
	// bootstrap that never exercises Controller/ProgressTracker.
	if workflowRef, sourceRef := os.Getenv("WORKFLOW_REF"), os.Getenv("SOURCE_REF"); workflowRef != "" && sourceRef != "" {
		go submitDemoBatch(ctx, cfg, ctl, tracker, workflowRef, sourceRef)
	}

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, exiting")
}

// submitDemoBatch creates, starts, and tracks one batch end to end. It
// exists so the process entrypoint exercises the full Controller/Scheduler/
// ProgressTracker lifecycle without an HTTP surface.
func submitDemoBatch(ctx context.Context, cfg *config.Config, ctl *controller.Controller, tracker *progress.Tracker, workflowRef, sourceRef string) {
	b, err := ctl.CreateBatch(ctx, workflowRef, sourceRef, engine.BatchOptions{
		Name:           "cli-submitted-batch",
		MaxConcurrency: cfg.DefaultMaxConcurrency,
		RetryCount:     cfg.DefaultRetryCount,
		TimeoutPerCall: cfg.DefaultTimeoutPerCall,
	})
	if err != nil {
		log.Error().Err(err).Msg("demo batch: create failed")
		return
	}

	if err := ctl.StartBatch(ctx, b.ID); err != nil {
		log.Error().Err(err).Str("batch_id", b.ID).Msg("demo batch: start failed")
		return
	}
	tracker.Track(ctx, b.ID, b.MaxConcurrency)
	log.Info().Str("batch_id", b.ID).Msg("demo batch: started")
}
