package parse

import (
	"context"
	"strings"

	"github.com/dvloznov/ledger-engine/internal/extract"
	"github.com/shopspring/decimal"
)

// StatementParser turns an uploaded bank statement into a statement
// candidate. Layout extraction runs first (CSV/XLSX deterministically, PDF
// via the model), then field extraction maps the table columns.
type StatementParser struct {
	layout extract.LayoutParser
}

// NewStatementParser builds the parser.
func NewStatementParser(layout extract.LayoutParser) *StatementParser {
	return &StatementParser{layout: layout}
}

// Parse produces a statement candidate from an uploaded file.
func (p *StatementParser) Parse(ctx context.Context, file extract.File, accountID string) (*StatementCandidate, error) {
	layout, err := p.layout.LayoutParse(ctx, file)
	if err != nil {
		return nil, failure("statement %s: layout: %v", file.Name, err)
	}
	if len(layout.Tables) == 0 {
		return nil, failure("statement %s: no tables found", file.Name)
	}

	cand := &StatementCandidate{
		AccountID: accountID,
		Confidence: FieldConfidence{
			"lines": layout.QualityConfidence,
		},
	}

	badRows := 0
	totalRows := 0
	for _, table := range layout.Tables {
		cols, ok := mapColumns(table.Header)
		if !ok {
			continue
		}
		for _, row := range table.Rows {
			totalRows++
			line, err := parseStatementRow(row, cols)
			if err != nil {
				badRows++
				continue
			}
			cand.Lines = append(cand.Lines, *line)
		}
	}

	if len(cand.Lines) == 0 {
		return nil, failure("statement %s: no parseable lines", file.Name)
	}

	// Unparseable rows are advisory: they lower confidence rather than
	// failing the import; the operator sees the count in review.
	if badRows > 0 {
		cand.Flags = append(cand.Flags, "unparsed_rows")
		cand.Confidence["lines"] *= 1 - float64(badRows)/float64(totalRows)
	}

	for _, ln := range cand.Lines {
		if cand.PeriodStart.IsZero() || ln.Date.Before(cand.PeriodStart) {
			cand.PeriodStart = ln.Date
		}
		if cand.PeriodEnd.IsZero() || ln.Date.After(cand.PeriodEnd) {
			cand.PeriodEnd = ln.Date
		}
	}

	return cand, nil
}

// columnMap locates the statement columns inside a table header.
type columnMap struct {
	date        int
	description int
	amount      int // single signed column, -1 when split
	debit       int // "paid out" column, -1 when absent
	credit      int // "paid in" column, -1 when absent
}

var descriptionHeaders = []string{"description", "details", "narrative", "memo", "payee"}

func mapColumns(header []string) (columnMap, bool) {
	cols := columnMap{date: -1, description: -1, amount: -1, debit: -1, credit: -1}
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		switch {
		case cols.date == -1 && strings.Contains(key, "date"):
			cols.date = i
		case cols.description == -1 && matchesAny(key, descriptionHeaders):
			cols.description = i
		case cols.debit == -1 && (strings.Contains(key, "debit") || strings.Contains(key, "paid out") || strings.Contains(key, "money out")):
			cols.debit = i
		case cols.credit == -1 && (strings.Contains(key, "credit") || strings.Contains(key, "paid in") || strings.Contains(key, "money in")):
			cols.credit = i
		case cols.amount == -1 && strings.Contains(key, "amount"):
			cols.amount = i
		}
	}
	if cols.date == -1 || cols.description == -1 {
		return cols, false
	}
	if cols.amount == -1 && cols.debit == -1 && cols.credit == -1 {
		return cols, false
	}
	return cols, true
}

func matchesAny(key string, names []string) bool {
	for _, n := range names {
		if strings.Contains(key, n) {
			return true
		}
	}
	return false
}

func parseStatementRow(row []string, cols columnMap) (*StatementLineCandidate, error) {
	cell := func(i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	date, err := parseDate(cell(cols.date))
	if err != nil {
		return nil, err
	}

	var amount decimal.Decimal
	switch {
	case cols.amount >= 0 && cell(cols.amount) != "":
		amount, err = parseAmount(cell(cols.amount))
		if err != nil {
			return nil, err
		}
	case cols.debit >= 0 && cell(cols.debit) != "":
		// Separate paid-out / paid-in columns collapse to a signed amount.
		d, err := parseAmount(cell(cols.debit))
		if err != nil {
			return nil, err
		}
		amount = d.Abs().Neg()
	case cols.credit >= 0 && cell(cols.credit) != "":
		c, err := parseAmount(cell(cols.credit))
		if err != nil {
			return nil, err
		}
		amount = c.Abs()
	default:
		return nil, failure("row has no amount")
	}

	return &StatementLineCandidate{
		Date:        date,
		Description: cell(cols.description),
		Amount:      amount,
	}, nil
}
