package parse

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Coercion helpers for extraction-service output. The extractor returns
// generic JSON values; these convert them with explicit type errors.

func getStringField(m map[string]interface{}, key string, required bool) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("missing required field %q", key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q has type %T, want string", key, v)
	}
	if required && strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("required field %q is empty", key)
	}
	return strings.TrimSpace(s), nil
}

func getAmountField(m map[string]interface{}, key string, required bool) (decimal.Decimal, bool, error) {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			return decimal.Zero, false, fmt.Errorf("missing required field %q", key)
		}
		return decimal.Zero, false, nil
	}
	switch val := v.(type) {
	case float64:
		return decimal.NewFromFloat(val), true, nil
	case string:
		d, err := parseAmount(val)
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("field %q: %v", key, err)
		}
		return d, true, nil
	default:
		return decimal.Zero, false, fmt.Errorf("field %q has type %T, want number", key, v)
	}
}

func getDateField(m map[string]interface{}, key string, required bool) (time.Time, bool, error) {
	s, err := getStringField(m, key, required)
	if err != nil {
		return time.Time{}, false, err
	}
	if s == "" {
		return time.Time{}, false, nil
	}
	t, err := parseDate(s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("field %q: %v", key, err)
	}
	return t, true, nil
}

// dateLayouts covers the formats seen across bank emails and statements.
var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"02 Jan 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	time.RFC3339,
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// parseAmount accepts "1,234.56", "$42.17", "(12.00)" (negative) and plain
// numbers.
func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = strings.TrimLeft(s, "$€£")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unparseable amount %q", s)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}
