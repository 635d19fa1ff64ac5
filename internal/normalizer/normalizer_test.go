package normalizer

import "testing"

func TestCanonical(t *testing.T) {
	n := New(map[string]string{"amzn mktp us": "Amazon"})

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lowercases and trims", "  Starbucks  ", "starbucks"},
		{"strips store number", "STARBUCKS #4821", "starbucks"},
		{"strips processor prefix", "SQ *BLUE BOTTLE", "blue bottle"},
		{"strips corporate suffix", "Acme Corp.", "acme"},
		{"strips punctuation", "trader-joe's/store", "trader joe s store"},
		{"applies alias", "AMZN Mktp US", "amazon"},
		{"empty input", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := n.Canonical(tt.input)
			if got != tt.want {
				t.Errorf("Canonical(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSimilarity(t *testing.T) {
	n := New(nil)

	tests := []struct {
		name string
		a, b string
		min  float64
		max  float64
	}{
		{"identical after canonicalization", "STARBUCKS #4821", "Starbucks", 1, 1},
		{"shared token", "Starbucks Coffee", "STARBUCKS STORE 12", 0.8, 1},
		{"small typo", "wallgreens", "walgreens", 0.85, 1},
		{"unrelated", "starbucks", "home depot", 0, 0.45},
		{"empty side", "", "starbucks", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := n.Similarity(tt.a, tt.b)
			if got < tt.min || got > tt.max {
				t.Errorf("Similarity(%q, %q) = %v, want in [%v, %v]", tt.a, tt.b, got, tt.min, tt.max)
			}
		})
	}
}

func TestSimilarityIsSymmetric(t *testing.T) {
	n := New(nil)
	a, b := "Blue Bottle Coffee", "SQ *BLUE BOTTLE OAK"
	if n.Similarity(a, b) != n.Similarity(b, a) {
		t.Error("Similarity should be symmetric")
	}
}
