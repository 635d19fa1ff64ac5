// Command api runs the HTTP server together with the in-process job
// workers and the grace-period sweep scheduler.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/ledger-engine/internal/api/handlers"
	"github.com/dvloznov/ledger-engine/internal/app"
	"github.com/dvloznov/ledger-engine/internal/config"
	"github.com/dvloznov/ledger-engine/internal/jobs"
	jobsmem "github.com/dvloznov/ledger-engine/internal/jobs/inmemory"
	"github.com/dvloznov/ledger-engine/internal/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (optional)")
	flag.Parse()

	log := logger.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build engine")
	}
	defer a.Close()

	queue := jobsmem.NewQueue(100, a.JobStore)
	if err := queue.Start(ctx, func(ctx context.Context, job *jobs.ProcessEventJob) error {
		return a.ProcessJob(ctx, job)
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job workers")
	}

	scheduler, err := jobs.NewScheduler(cfg.SweepSchedule, a.Sweeper, log)
	if err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.SweepSchedule).Msg("Invalid sweep schedule")
	}
	scheduler.Start()

	router := handlers.NewRouter(handlers.Deps{
		Events:    a.Events,
		Replayer:  a.Replayer,
		Ledger:    a.Ledger,
		Match:     a.Match,
		Reconcile: a.Workflow,
		Reviews:   a.Reviews,
		Audit:     a.Audit,
		Publisher: queue,
		Blobs:     a.Blobs,
		Log:       log,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("API server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	scheduler.Stop()
	if err := queue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Job queue shutdown failed")
	}
	log.Info().Msg("Shutdown complete")
}
