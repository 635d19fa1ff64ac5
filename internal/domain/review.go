package domain

import "time"

// ReviewStatus is the operator-facing state of a review item.
type ReviewStatus string

const (
	ReviewPending      ReviewStatus = "pending"
	ReviewAccepted     ReviewStatus = "accepted"
	ReviewReclassified ReviewStatus = "reclassified"
	ReviewDismissed    ReviewStatus = "dismissed"
)

// ClassificationResult is the classifier's output for a raw event.
type ClassificationResult struct {
	Kind       EventKind `json:"kind"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning"`
}

// ReviewItem is an unresolved input parked for a human. Nothing is ever
// silently dropped: every classification or parse failure lands here with
// its raw content intact.
type ReviewItem struct {
	ID         string `json:"id"`
	RawEventID string `json:"raw_event_id"`
	RawContent string `json:"raw_content"`

	Classification *ClassificationResult `json:"classification,omitempty"`
	ParseAttempt   string                `json:"parse_attempt,omitempty"`

	Status     ReviewStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
	ResolvedBy string       `json:"resolved_by,omitempty"`
	// ReclassifiedAs carries the operator's corrected kind when the
	// resolution is "reclassify".
	ReclassifiedAs EventKind `json:"reclassified_as,omitempty"`
}
