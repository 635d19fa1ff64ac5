package parse

import (
	"context"
	"fmt"
	"regexp"

	"github.com/dvloznov/ledger-engine/internal/domain"
	"github.com/dvloznov/ledger-engine/internal/extract"
)

// alertTemplate is a deterministic pattern for one bank's alert wording.
// Named groups: amount, merchant, date (optional). A template match fixes
// per-field confidence at 1.
type alertTemplate struct {
	name      string
	pattern   *regexp.Regexp
	direction domain.Direction
}

// Wordings observed across card and bank alert emails. Template order is
// evaluation order; first match wins.
var defaultAlertTemplates = []alertTemplate{
	{
		name: "card_purchase",
		pattern: regexp.MustCompile(
			`(?is)(?:purchase|transaction)\s+of\s+(?P<amount>[$€£]?[\d,]+\.?\d*)\s+(?:at|with)\s+(?P<merchant>[^.\n]+?)(?:\s+on\s+(?P<date>[A-Za-z0-9,/ -]+?))?[.\n]`),
		direction: domain.DirectionDebit,
	},
	{
		name: "you_spent",
		pattern: regexp.MustCompile(
			`(?is)you\s+spent\s+(?P<amount>[$€£]?[\d,]+\.?\d*)\s+at\s+(?P<merchant>[^.\n]+?)(?:\s+on\s+(?P<date>[A-Za-z0-9,/ -]+?))?[.\n]`),
		direction: domain.DirectionDebit,
	},
	{
		name: "deposit_received",
		pattern: regexp.MustCompile(
			`(?is)(?:deposit|credit)\s+of\s+(?P<amount>[$€£]?[\d,]+\.?\d*)\s+from\s+(?P<merchant>[^.\n]+?)(?:\s+on\s+(?P<date>[A-Za-z0-9,/ -]+?))?[.\n]`),
		direction: domain.DirectionCredit,
	},
}

var alertSchema = extract.Schema{
	Name: "transaction_alert",
	Fields: []extract.FieldSpec{
		{Name: "amount", Type: "number", Required: true, Description: "transaction amount, positive"},
		{Name: "currency", Type: "string", Required: false, Description: `ISO code, e.g. "USD"`},
		{Name: "merchant", Type: "string", Required: true, Description: "merchant or counterparty name"},
		{Name: "date", Type: "date", Required: false, Description: "transaction date"},
		{Name: "direction", Type: "string", Required: false, Description: `"debit" or "credit"`},
	},
}

// AlertParser parses bank/merchant alert emails: template match first,
// extraction-service fallback otherwise.
type AlertParser struct {
	templates []alertTemplate
	extractor extract.Extractor
}

// NewAlertParser builds the parser with the built-in templates.
func NewAlertParser(extractor extract.Extractor) *AlertParser {
	return &AlertParser{templates: defaultAlertTemplates, extractor: extractor}
}

// Parse produces a transaction candidate from an alert event.
func (p *AlertParser) Parse(ctx context.Context, ev *domain.RawEvent, accountID string) (*TransactionCandidate, error) {
	for _, tpl := range p.templates {
		if cand, ok := p.tryTemplate(tpl, ev, accountID); ok {
			return cand, nil
		}
	}
	return p.fallback(ctx, ev, accountID)
}

func (p *AlertParser) tryTemplate(tpl alertTemplate, ev *domain.RawEvent, accountID string) (*TransactionCandidate, bool) {
	m := tpl.pattern.FindStringSubmatch(ev.Body)
	if m == nil {
		return nil, false
	}

	groups := make(map[string]string)
	for i, name := range tpl.pattern.SubexpNames() {
		if name != "" && i < len(m) {
			groups[name] = m[i]
		}
	}

	amount, err := parseAmount(groups["amount"])
	if err != nil || !amount.IsPositive() {
		return nil, false
	}

	cand := &TransactionCandidate{
		AccountID:    accountID,
		Amount:       amount,
		Currency:     "USD",
		Direction:    tpl.direction,
		Date:         ev.ReceivedAt,
		MerchantName: groups["merchant"],
		Confidence: FieldConfidence{
			"amount":   1,
			"merchant": 1,
			"date":     1,
		},
	}
	if ds := groups["date"]; ds != "" {
		if d, err := parseDate(ds); err == nil {
			cand.Date = d
		}
	}
	return cand, true
}

func (p *AlertParser) fallback(ctx context.Context, ev *domain.RawEvent, accountID string) (*TransactionCandidate, error) {
	if p.extractor == nil {
		return nil, failure("alert: no template matched and no extractor configured")
	}

	content := fmt.Sprintf("Subject: %s\n\n%s", ev.Subject(), ev.Body)
	res, err := p.extractor.Extract(ctx, content, alertSchema)
	if err != nil {
		return nil, fmt.Errorf("alert: fallback: %w", err)
	}

	amount, _, err := getAmountField(res.Fields, "amount", true)
	if err != nil {
		return nil, failure("alert: fallback output: %v", err)
	}
	merchant, err := getStringField(res.Fields, "merchant", true)
	if err != nil {
		return nil, failure("alert: fallback output: %v", err)
	}

	cand := &TransactionCandidate{
		AccountID:    accountID,
		Amount:       amount.Abs(),
		Currency:     "USD",
		Direction:    domain.DirectionDebit,
		Date:         ev.ReceivedAt,
		MerchantName: merchant,
		Confidence: FieldConfidence{
			"amount":   res.Confidence,
			"merchant": res.Confidence,
			"date":     res.Confidence,
		},
	}
	if cur, _ := getStringField(res.Fields, "currency", false); cur != "" {
		cand.Currency = cur
	}
	if dir, _ := getStringField(res.Fields, "direction", false); dir == string(domain.DirectionCredit) {
		cand.Direction = domain.DirectionCredit
	}
	if d, ok, _ := getDateField(res.Fields, "date", false); ok {
		cand.Date = d
	}
	return cand, nil
}
