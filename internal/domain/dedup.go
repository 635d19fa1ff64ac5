package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DeriveDedupKey builds the stable idempotency key for a ledger write
// produced from a raw event. Replays derive the same key and degrade to
// no-ops. role distinguishes multiple entities born from one event
// ("txn", "receipt", "stmt").
func DeriveDedupKey(externalID, role string) string {
	sum := sha256.Sum256([]byte(externalID + "\x00" + role))
	return hex.EncodeToString(sum[:16])
}

// NormalizeAddress extracts and lowercases the bare address from an RFC 5322
// style header value such as `"Chase Alerts" <no-reply@chase.com>`.
func NormalizeAddress(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.LastIndex(s, "<"); i >= 0 {
		if j := strings.Index(s[i:], ">"); j > 0 {
			s = s[i+1 : i+j]
		}
	}
	return strings.ToLower(strings.TrimSpace(s))
}
