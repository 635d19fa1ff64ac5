// Command replay re-feeds stored raw events through the pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/ledger-engine/internal/app"
	"github.com/dvloznov/ledger-engine/internal/config"
	"github.com/dvloznov/ledger-engine/internal/eventstore"
	"github.com/dvloznov/ledger-engine/internal/logger"
)

func main() {
	log := logger.New()

	var (
		configPath = flag.String("config", "", "Path to YAML config file (optional)")
		ids        = flag.String("ids", "", "Comma-separated external ids to replay (default: all)")
		from       = flag.String("from", "", "Replay events received at or after this RFC3339 time")
		to         = flag.String("to", "", "Replay events received at or before this RFC3339 time")
		clean      = flag.Bool("clean", false, "Delete derived entities before replaying (schema evolution)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx := logger.WithContext(context.Background(), log)
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build engine")
	}
	defer a.Close()

	f := eventstore.Filter{}
	if *ids != "" {
		f.IDs = strings.Split(*ids, ",")
	}
	if *from != "" {
		t, err := time.Parse(time.RFC3339, *from)
		if err != nil {
			log.Fatal().Err(err).Msg("--from must be RFC3339")
		}
		f.From = t
	}
	if *to != "" {
		t, err := time.Parse(time.RFC3339, *to)
		if err != nil {
			log.Fatal().Err(err).Msg("--to must be RFC3339")
		}
		f.To = t
	}

	report, err := a.Replayer.Replay(ctx, f, *clean)
	if err != nil {
		log.Fatal().Err(err).Msg("Replay failed")
	}

	fmt.Printf("Replay finished: %d processed, %d created, %d errors", report.Processed, report.Created, report.Errors)
	if *clean {
		fmt.Printf(", %d derived entities deleted first", report.Deleted)
	}
	fmt.Println(".")
}
