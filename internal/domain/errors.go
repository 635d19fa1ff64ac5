package domain

import "errors"

// Sentinel errors for the engine's failure taxonomy. Callers branch with
// errors.Is; wrapping preserves the sentinel.
var (
	// ErrDuplicateEvent signals an idempotent no-op: the external id was
	// already stored. The event store returns the existing id alongside it.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrClassificationAmbiguous routes an event to the review queue
	// instead of a parser.
	ErrClassificationAmbiguous = errors.New("classification ambiguous")

	// ErrParseFailure means the content could not be turned into a
	// candidate record. The raw content is preserved in the review queue.
	ErrParseFailure = errors.New("parse failure")

	// ErrExtractionUnavailable means the extraction service stayed
	// unreachable after the retry policy was exhausted.
	ErrExtractionUnavailable = errors.New("extraction service unavailable")

	// ErrInvariantViolation is rejected at the repository boundary and
	// never partially applied: duplicate links, attribution over-allocation,
	// category attributions that do not sum, illegal status transitions.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrLockedPeriod rejects writes against a locked statement or its
	// reconciled transactions.
	ErrLockedPeriod = errors.New("locked period")

	// ErrVersionConflict means a concurrent writer updated the entity
	// between read and write; the caller should re-read and retry.
	ErrVersionConflict = errors.New("version conflict")

	// ErrNotFound is the uniform missing-entity error.
	ErrNotFound = errors.New("not found")
)
