// Package classify routes a raw event to a parser family. Deterministic
// rules (sender allow-list, then subject patterns) are evaluated first and
// always win over the extraction-service fallback, regardless of the
// fallback's confidence. An unknown verdict is never acted on silently; the
// caller routes it to the review queue.
package classify

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/dvloznov/ledger-engine/internal/config"
	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/dvloznov/ledger-engine/internal/extract"
)

// fallbackThreshold is the minimum extractor confidence accepted as a
// verdict; anything lower is reported as unknown.
const fallbackThreshold = 0.7

var kindSchema = extract.Schema{
	Name: "event_classification",
	Fields: []extract.FieldSpec{
		{Name: "kind", Type: "string", Required: true,
			Description: `one of "alert", "receipt", "statement", "irrelevant"`},
		{Name: "reasoning", Type: "string", Required: false,
			Description: "one sentence explaining the choice"},
	},
}

type subjectRule struct {
	pattern *regexp.Regexp
	kind    domain.EventKind
	source  string
}

// Classifier decides the event kind.
type Classifier struct {
	senders   map[string]domain.EventKind
	subjects  []subjectRule
	extractor extract.Extractor
}

// New compiles the deterministic rules and keeps the extractor for
// fallback. Invalid patterns fail construction rather than being skipped.
func New(rules config.ClassifierRules, extractor extract.Extractor) (*Classifier, error) {
	c := &Classifier{
		senders:   make(map[string]domain.EventKind, len(rules.SenderKinds)),
		extractor: extractor,
	}

	for addr, kind := range rules.SenderKinds {
		k, err := parseKind(kind)
		if err != nil {
			return nil, fmt.Errorf("classify: sender %q: %w", addr, err)
		}
		c.senders[strings.ToLower(addr)] = k
	}

	// Sorted for deterministic evaluation order.
	patterns := make([]string, 0, len(rules.SubjectPatterns))
	for p := range rules.SubjectPatterns {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)

	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("classify: subject pattern %q: %w", p, err)
		}
		k, err := parseKind(rules.SubjectPatterns[p])
		if err != nil {
			return nil, fmt.Errorf("classify: subject pattern %q: %w", p, err)
		}
		c.subjects = append(c.subjects, subjectRule{pattern: re, kind: k, source: p})
	}

	return c, nil
}

func parseKind(s string) (domain.EventKind, error) {
	switch domain.EventKind(s) {
	case domain.EventKindAlert, domain.EventKindReceipt, domain.EventKindStatement, domain.EventKindIrrelevant:
		return domain.EventKind(s), nil
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

// Classify returns the verdict for a raw event. The result kind is
// EventKindUnknown when neither rules nor the fallback produced a
// confident answer; such events belong in the review queue.
func (c *Classifier) Classify(ctx context.Context, ev *domain.RawEvent) (*domain.ClassificationResult, error) {
	// (1) Exact sender allow-list.
	if kind, ok := c.senders[ev.Sender()]; ok {
		return &domain.ClassificationResult{
			Kind:       kind,
			Confidence: 1,
			Reasoning:  fmt.Sprintf("sender allow-list: %s", ev.Sender()),
		}, nil
	}

	// (2) Subject patterns.
	subject := ev.Subject()
	for _, rule := range c.subjects {
		if rule.pattern.MatchString(subject) {
			return &domain.ClassificationResult{
				Kind:       rule.kind,
				Confidence: 1,
				Reasoning:  fmt.Sprintf("subject pattern: %s", rule.source),
			}, nil
		}
	}

	// Uploads without matching rules are treated as statements: the only
	// reason files are pushed into the intake is statement import.
	if ev.SourceKind == domain.SourceKindUpload {
		return &domain.ClassificationResult{
			Kind:       domain.EventKindStatement,
			Confidence: 1,
			Reasoning:  "uploaded file",
		}, nil
	}

	// (3) Extraction-service fallback.
	return c.fallback(ctx, ev)
}

func (c *Classifier) fallback(ctx context.Context, ev *domain.RawEvent) (*domain.ClassificationResult, error) {
	if c.extractor == nil {
		return unknown("no deterministic rule matched and no extractor configured"), nil
	}

	content := fmt.Sprintf("From: %s\nSubject: %s\n\n%s", ev.Sender(), ev.Subject(), ev.Body)
	res, err := c.extractor.Extract(ctx, content, kindSchema)
	if err != nil {
		// The caller decides between retry exhaustion and review routing.
		return nil, fmt.Errorf("classify: fallback: %w", err)
	}

	kindStr, _ := res.Fields["kind"].(string)
	kind, kerr := parseKind(kindStr)
	if kerr != nil || res.Confidence < fallbackThreshold {
		reason, _ := res.Fields["reasoning"].(string)
		return unknown(fmt.Sprintf("fallback below threshold (%.2f): %s", res.Confidence, reason)), nil
	}

	reasoning, _ := res.Fields["reasoning"].(string)
	return &domain.ClassificationResult{
		Kind:       kind,
		Confidence: res.Confidence,
		Reasoning:  "extractor: " + reasoning,
	}, nil
}

func unknown(reason string) *domain.ClassificationResult {
	return &domain.ClassificationResult{
		Kind:       domain.EventKindUnknown,
		Confidence: 0,
		Reasoning:  reason,
	}
}
