package parse

import (
	"context"
	"fmt"

	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/dvloznov/ledger-engine/internal/extract"
	"github.com/shopspring/decimal"
)

var receiptSchema = extract.Schema{
	Name: "receipt",
	Fields: []extract.FieldSpec{
		{Name: "merchant", Type: "string", Required: true, Description: "merchant name"},
		{Name: "date", Type: "date", Required: true, Description: "purchase date"},
		{Name: "total", Type: "number", Required: true, Description: "grand total charged"},
		{Name: "subtotal", Type: "number", Required: false, Description: "pre-tax subtotal"},
		{Name: "tax", Type: "number", Required: false, Description: "tax amount"},
		{Name: "tip", Type: "number", Required: false, Description: "tip amount"},
		{Name: "currency", Type: "string", Required: false, Description: `ISO code, e.g. "USD"`},
		{Name: "line_items", Type: "string", Required: false,
			Description: `JSON array of {"description": string, "quantity": number, "unit_price": number, "total": number}`},
	},
}

// ReceiptParser extracts an itemized receipt. The body (and any attachment
// text blocks supplied by layout parsing) goes through the extraction
// service. Numeric validation is advisory only: disagreeing totals lower
// confidence and set a flag, they never fail the parse.
type ReceiptParser struct {
	extractor extract.Extractor
	layout    extract.LayoutParser
}

// NewReceiptParser builds the parser. layout may be nil when attachment
// parsing is not needed.
func NewReceiptParser(extractor extract.Extractor, layout extract.LayoutParser) *ReceiptParser {
	return &ReceiptParser{extractor: extractor, layout: layout}
}

// Parse produces a receipt candidate from a receipt event.
func (p *ReceiptParser) Parse(ctx context.Context, ev *domain.RawEvent, accountID string, attachments []extract.File) (*ReceiptCandidate, error) {
	if p.extractor == nil {
		return nil, failure("receipt: no extractor configured")
	}

	content := fmt.Sprintf("Subject: %s\n\n%s", ev.Subject(), ev.Body)

	// Structured documents go through layout extraction first; the text
	// rendering of their tables is appended to the extraction input.
	for _, f := range attachments {
		if p.layout == nil {
			break
		}
		layout, err := p.layout.LayoutParse(ctx, f)
		if err != nil {
			// Attachment trouble is not fatal; the email body may carry
			// everything needed.
			continue
		}
		content += "\n\n" + renderLayout(layout)
	}

	res, err := p.extractor.Extract(ctx, content, receiptSchema)
	if err != nil {
		return nil, fmt.Errorf("receipt: %w", err)
	}
	return p.fromFields(res, accountID)
}

func (p *ReceiptParser) fromFields(res *extract.Result, accountID string) (*ReceiptCandidate, error) {
	merchant, err := getStringField(res.Fields, "merchant", true)
	if err != nil {
		return nil, failure("receipt: %v", err)
	}
	date, _, err := getDateField(res.Fields, "date", true)
	if err != nil {
		return nil, failure("receipt: %v", err)
	}
	total, _, err := getAmountField(res.Fields, "total", true)
	if err != nil {
		return nil, failure("receipt: %v", err)
	}

	cand := &ReceiptCandidate{
		AccountID:    accountID,
		MerchantName: merchant,
		Date:         date,
		TotalAmount:  total.Abs(),
		Currency:     "USD",
		Confidence: FieldConfidence{
			"merchant": res.Confidence,
			"date":     res.Confidence,
			"total":    res.Confidence,
		},
	}

	if cur, _ := getStringField(res.Fields, "currency", false); cur != "" {
		cand.Currency = cur
	}
	if v, ok, _ := getAmountField(res.Fields, "subtotal", false); ok {
		cand.Subtotal = &v
	}
	if v, ok, _ := getAmountField(res.Fields, "tax", false); ok {
		cand.Tax = &v
	}
	if v, ok, _ := getAmountField(res.Fields, "tip", false); ok {
		cand.Tip = &v
	}
	cand.LineItems = parseLineItems(res.Fields["line_items"])

	validateReceiptTotals(cand)
	return cand, nil
}

// validateReceiptTotals is advisory: line items disagreeing with the
// declared subtotal (or components disagreeing with the total) lower the
// confidence and set a flag, but never fail the parse.
func validateReceiptTotals(cand *ReceiptCandidate) {
	if len(cand.LineItems) > 0 && cand.Subtotal != nil {
		sum := decimal.Zero
		for _, li := range cand.LineItems {
			sum = sum.Add(li.Total)
		}
		if !sum.Equal(*cand.Subtotal) {
			cand.Flags = append(cand.Flags, domain.FlagTotalsDisagree)
			cand.Confidence["total"] = cand.Confidence["total"] * 0.8
		}
	}

	if cand.Subtotal != nil {
		expected := *cand.Subtotal
		if cand.Tax != nil {
			expected = expected.Add(*cand.Tax)
		}
		if cand.Tip != nil {
			expected = expected.Add(*cand.Tip)
		}
		if !expected.Equal(cand.TotalAmount) && !hasFlag(cand.Flags, domain.FlagTotalsDisagree) {
			cand.Flags = append(cand.Flags, domain.FlagTotalsDisagree)
			cand.Confidence["total"] = cand.Confidence["total"] * 0.8
		}
	}
}

func hasFlag(flags []string, name string) bool {
	for _, f := range flags {
		if f == name {
			return true
		}
	}
	return false
}

// parseLineItems accepts either a decoded JSON array or a JSON string; the
// extractor is inconsistent about which it returns. Malformed items are
// skipped, not fatal.
func parseLineItems(v interface{}) []domain.ReceiptLineItem {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []domain.ReceiptLineItem
	for _, raw := range items {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		desc, err := getStringField(obj, "description", true)
		if err != nil {
			continue
		}
		total, ok2, err := getAmountField(obj, "total", true)
		if err != nil || !ok2 {
			continue
		}
		li := domain.ReceiptLineItem{
			Description: desc,
			Quantity:    decimal.NewFromInt(1),
			Total:       total,
		}
		if q, ok3, _ := getAmountField(obj, "quantity", false); ok3 && q.IsPositive() {
			li.Quantity = q
		}
		if up, ok3, _ := getAmountField(obj, "unit_price", false); ok3 {
			li.UnitPrice = up
		} else {
			li.UnitPrice = total.Div(li.Quantity)
		}
		out = append(out, li)
	}
	return out
}

func renderLayout(layout *extract.Layout) string {
	out := ""
	for _, t := range layout.Tables {
		out += "TABLE " + t.Name + "\n"
		out += joinRow(t.Header)
		for _, row := range t.Rows {
			out += joinRow(row)
		}
	}
	for _, b := range layout.TextBlocks {
		out += b + "\n"
	}
	return out
}

func joinRow(cells []string) string {
	line := ""
	for i, c := range cells {
		if i > 0 {
			line += " | "
		}
		line += c
	}
	return line + "\n"
}
