// Package normalizer provides deterministic merchant-name canonicalization
// and fuzzy similarity scoring. Every downstream stage (classification,
// matching, reconciliation) goes through this package so that two spellings
// of the same merchant normalize identically everywhere.
package normalizer

import (
	"strings"
	"unicode"

	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// Processor prefixes bank feeds prepend to the merchant name. Stripped
// before any comparison.
var processorPrefixes = []string{
	"sq *", "sq*", "tst*", "tst *", "paypal *", "paypal*", "pp*",
	"sp *", "amzn mktp", "pos ", "card purchase ", "debit card ",
}

// Corporate suffixes that carry no identity.
var corporateSuffixes = []string{
	"inc", "inc.", "llc", "llc.", "ltd", "ltd.", "plc", "co", "co.",
	"corp", "corp.", "gmbh", "s.a.", "bv", "limited",
}

// Normalizer canonicalizes merchant names, optionally through an alias
// table mapping canonical spellings to a preferred display form.
type Normalizer struct {
	aliases map[string]string
}

// New creates a Normalizer. aliases may be nil; keys are matched against
// the canonical form of a name.
func New(aliases map[string]string) *Normalizer {
	canon := make(map[string]string, len(aliases))
	for k, v := range aliases {
		canon[canonicalize(k)] = v
	}
	return &Normalizer{aliases: canon}
}

// Canonical returns the canonical form of a merchant name: lowercased,
// processor prefixes and corporate suffixes stripped, punctuation removed,
// whitespace collapsed, alias applied.
func (n *Normalizer) Canonical(name string) string {
	c := canonicalize(name)
	if alias, ok := n.aliases[c]; ok {
		return canonicalize(alias)
	}
	return c
}

func canonicalize(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))

	for _, p := range processorPrefixes {
		if strings.HasPrefix(s, p) {
			s = strings.TrimSpace(strings.TrimPrefix(s, p))
			break
		}
	}

	// Drop punctuation, keep letters, digits and spaces.
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '_' || r == '/' || r == '.' || r == '*':
			b.WriteByte(' ')
		}
	}

	tokens := strings.Fields(b.String())

	// Strip a trailing corporate suffix and trailing store/reference numbers.
	for len(tokens) > 1 {
		last := tokens[len(tokens)-1]
		if isCorporateSuffix(last) || isNumeric(last) {
			tokens = tokens[:len(tokens)-1]
			continue
		}
		break
	}

	return strings.Join(tokens, " ")
}

func isCorporateSuffix(tok string) bool {
	for _, s := range corporateSuffixes {
		if tok == strings.TrimSuffix(s, ".") || tok == s {
			return true
		}
	}
	return false
}

func isNumeric(tok string) bool {
	for _, r := range tok {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return len(tok) > 0
}

// Similarity scores two merchant names in [0, 1]. Both names are
// canonicalized first. The score is the better of a whole-string
// Levenshtein ratio and a token-overlap score, so "STARBUCKS #4821" and
// "Starbucks Coffee" still score high.
func (n *Normalizer) Similarity(a, b string) float64 {
	ca, cb := n.Canonical(a), n.Canonical(b)
	if ca == "" || cb == "" {
		return 0
	}
	if ca == cb {
		return 1
	}

	whole := levenshteinRatio(ca, cb)
	tokens := tokenOverlap(strings.Fields(ca), strings.Fields(cb))
	if tokens > whole {
		return tokens
	}
	return whole
}

func levenshteinRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1
	}
	dist := levenshtein.DistanceForStrings(ra, rb, levenshtein.DefaultOptions)
	return 1 - float64(dist)/float64(longest)
}

// tokenOverlap pairs each token of the shorter name with its best match in
// the longer one and averages the per-token ratios.
func tokenOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	var total float64
	for _, ta := range a {
		best := 0.0
		for _, tb := range b {
			if r := levenshteinRatio(ta, tb); r > best {
				best = r
			}
		}
		total += best
	}
	return total / float64(len(a))
}
