// Command worker runs the job workers and the sweep scheduler without the
// HTTP surface. With the in-memory queue this only processes jobs it
// publishes itself (sweeps, scheduled replays); a shared broker would
// replace the queue for a real split deployment.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

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

	log.Info().Msg("Worker running")
	<-ctx.Done()
	log.Info().Msg("Shutting down")

	scheduler.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := queue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Job queue shutdown failed")
	}
}
