// Package extract is the boundary to the extraction service. The engine
// consumes it as a black box: extract(content, schema) returns typed fields
// with a confidence, or a failure value. Nothing in this package ever
// panics across the boundary.
package extract

import (
	"context"
	"fmt"

	"github.com/dvloznov/ledger-engine/internal/config"
	"github.com/dvloznov/ledger-engine/internal/domain"
)

// FieldSpec describes one field the extraction service should produce.
type FieldSpec struct {
	Name        string
	Type        string // "string", "number", "date" (YYYY-MM-DD), "boolean"
	Required    bool
	Description string
}

// Schema is a named target shape for extraction.
type Schema struct {
	Name   string
	Fields []FieldSpec
}

// Result is a successful extraction: raw typed fields plus an overall
// confidence in [0, 1].
type Result struct {
	Fields     map[string]interface{}
	Confidence float64
}

// Extractor is the capability interface. One implementation per provider,
// selected at process start from configuration.
type Extractor interface {
	Extract(ctx context.Context, content string, schema Schema) (*Result, error)
}

// New selects the provider implementation named in the configuration.
func New(ctx context.Context, cfg config.Extraction) (Extractor, error) {
	switch cfg.Provider {
	case "gemini":
		return NewGemini(ctx, cfg.Model)
	case "stub":
		return Unavailable{}, nil
	default:
		return nil, fmt.Errorf("extract: unknown provider %q", cfg.Provider)
	}
}

// Unavailable is the no-provider extractor. Every call reports the service
// as unavailable, so only deterministic paths produce entities and
// everything else parks for review.
type Unavailable struct{}

var _ Extractor = Unavailable{}

func (Unavailable) Extract(ctx context.Context, content string, schema Schema) (*Result, error) {
	return nil, fmt.Errorf("extraction provider not configured: %w", domain.ErrExtractionUnavailable)
}
