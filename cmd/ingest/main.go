// Command ingest pushes a single statement file through the engine from
// the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/dvloznov/ledger-engine/internal/app"
	"github.com/dvloznov/ledger-engine/internal/config"
	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/dvloznov/ledger-engine/internal/logger"
	"github.com/google/uuid"
)

func main() {
	log := logger.New()

	var (
		configPath = flag.String("config", "", "Path to YAML config file (optional)")
		file       = flag.String("file", "", "Path to the statement file (CSV, XLSX or PDF)")
		accountID  = flag.String("account", "", "Account the statement belongs to (defaults to the configured default account)")
		externalID = flag.String("external-id", "", "External id for dedup (defaults to a fresh one)")
	)
	flag.Parse()

	if *file == "" {
		log.Fatal().Msg("Error: --file is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *accountID == "" {
		*accountID = cfg.DefaultAccount
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build engine")
	}
	defer a.Close()

	data, err := os.ReadFile(*file)
	if err != nil {
		log.Fatal().Err(err).Str("file", *file).Msg("Failed to read file")
	}

	name := filepath.Base(*file)
	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	uri, err := a.Blobs.Put(ctx, uuid.NewString()+"-"+name, data, contentType)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to store file")
	}

	extID := *externalID
	if extID == "" {
		extID = "ingest-" + uuid.NewString()
	}

	ev := &domain.RawEvent{
		ExternalID: extID,
		SourceKind: domain.SourceKindUpload,
		Headers:    map[string]string{"X-Account-ID": *accountID},
		Body:       fmt.Sprintf("statement upload %s", name),
		Attachments: []domain.Attachment{{
			Filename:    name,
			ContentType: contentType,
			BlobURI:     uri,
		}},
	}

	id, created, err := a.Events.Store(ctx, ev)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to store event")
	}
	if !created {
		fmt.Printf("Event %s already ingested, nothing to do.\n", extID)
		return
	}

	stored, err := a.Events.Get(ctx, id)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load stored event")
	}
	res, err := a.Pipeline.ProcessEvent(ctx, stored)
	if err != nil {
		log.Fatal().Err(err).Msg("Ingestion failed")
	}

	fmt.Printf("Ingestion completed: event %s, %d entities created.\n", id, res.CreatedEntities)
}
