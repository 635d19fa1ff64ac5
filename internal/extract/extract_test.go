package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dvloznov/ledger-engine/internal/config"
	"github.com/dvloznov/ledger-engine/internal/domain"
)

// mockExtractor fails a fixed number of times before succeeding.
type mockExtractor struct {
	failures int
	calls    int
}

func (m *mockExtractor) Extract(ctx context.Context, content string, schema Schema) (*Result, error) {
	m.calls++
	if m.calls <= m.failures {
		return nil, errors.New("connection refused")
	}
	return &Result{Fields: map[string]interface{}{"ok": true}, Confidence: 0.9}, nil
}

func newTestRetrying(inner Extractor, attempts int) *Retrying {
	r := NewRetrying(inner, config.Extraction{
		Timeout:     time.Second,
		MaxAttempts: attempts,
		BaseBackoff: time.Millisecond,
	})
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return r
}

func TestRetryingRecoversWithinPolicy(t *testing.T) {
	inner := &mockExtractor{failures: 2}
	r := newTestRetrying(inner, 3)

	res, err := r.Extract(context.Background(), "content", Schema{Name: "test"})
	if err != nil {
		t.Fatalf("expected success on third attempt, got: %v", err)
	}
	if res.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", res.Confidence)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestRetryingExhaustionIsUnavailable(t *testing.T) {
	inner := &mockExtractor{failures: 10}
	r := newTestRetrying(inner, 3)

	_, err := r.Extract(context.Background(), "content", Schema{Name: "test"})
	if !errors.Is(err, domain.ErrExtractionUnavailable) {
		t.Fatalf("expected ErrExtractionUnavailable, got: %v", err)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want exactly 3", inner.calls)
	}
}

func TestCleanModelJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain object", `{"fields":{}}`, `{"fields":{}}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around object", "Here you go: {\"a\":1} hope that helps", `{"a":1}`},
		{"fenced array", "```\n[1,2]\n```", `[1,2]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cleanModelJSON(tt.input); got != tt.want {
				t.Errorf("cleanModelJSON(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseCSVLayout(t *testing.T) {
	file := File{
		Name:        "statement.csv",
		ContentType: "text/csv",
		Data:        []byte("Date,Description,Amount\n2026-02-01,COFFEE,-4.50\n2026-02-02,GROCER,-31.20\n"),
	}

	layout, err := parseCSVLayout(file)
	if err != nil {
		t.Fatalf("parseCSVLayout failed: %v", err)
	}
	if len(layout.Tables) != 1 {
		t.Fatalf("tables = %d, want 1", len(layout.Tables))
	}
	tbl := layout.Tables[0]
	if len(tbl.Header) != 3 || tbl.Header[0] != "Date" {
		t.Errorf("unexpected header: %v", tbl.Header)
	}
	if len(tbl.Rows) != 2 {
		t.Errorf("rows = %d, want 2", len(tbl.Rows))
	}
	if layout.QualityConfidence != 1 {
		t.Errorf("QualityConfidence = %v, want 1", layout.QualityConfidence)
	}
}

func TestParseCSVLayoutRaggedRowsLowerQuality(t *testing.T) {
	file := File{
		Name: "ragged.csv",
		Data: []byte("a,b,c\n1,2,3\n1,2\n"),
	}

	layout, err := parseCSVLayout(file)
	if err != nil {
		t.Fatalf("parseCSVLayout failed: %v", err)
	}
	if layout.QualityConfidence >= 1 {
		t.Errorf("QualityConfidence = %v, want < 1 for ragged input", layout.QualityConfidence)
	}
}

func TestDetectKind(t *testing.T) {
	tests := []struct {
		file File
		want string
	}{
		{File{Name: "s.csv"}, "csv"},
		{File{Name: "s.XLSX"}, "xlsx"},
		{File{Name: "s.pdf"}, "pdf"},
		{File{Name: "s.bin", ContentType: "application/pdf"}, "pdf"},
		{File{Name: "s.bin"}, ""},
	}
	for _, tt := range tests {
		if got := detectKind(tt.file); got != tt.want {
			t.Errorf("detectKind(%q/%q) = %q, want %q", tt.file.Name, tt.file.ContentType, got, tt.want)
		}
	}
}
