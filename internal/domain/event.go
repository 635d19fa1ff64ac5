package domain

import (
	"time"
)

// SourceKind identifies where a raw event came from.
type SourceKind string

const (
	SourceKindEmail  SourceKind = "email"
	SourceKindUpload SourceKind = "upload"
	SourceKindManual SourceKind = "manual"
)

// EventKind is the classifier's verdict for a raw event.
type EventKind string

const (
	EventKindAlert      EventKind = "alert"
	EventKindReceipt    EventKind = "receipt"
	EventKindStatement  EventKind = "statement"
	EventKindIrrelevant EventKind = "irrelevant"
	EventKindUnknown    EventKind = "unknown"
)

// Attachment references a file carried by a raw event. The bytes live in the
// blob store; only the URI is kept on the event.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	BlobURI     string `json:"blob_uri"`
}

// RawEvent is one inbound delivery (email, uploaded file) exactly as
// received. Immutable once stored except for ReplayCount.
type RawEvent struct {
	ID          string            `json:"id"`
	ExternalID  string            `json:"external_id"`
	SourceKind  SourceKind        `json:"source_kind"`
	ReceivedAt  time.Time         `json:"received_at"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        string            `json:"body"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	ReplayCount int               `json:"replay_count"`
}

// Sender returns the From header, lowercased address only.
func (e *RawEvent) Sender() string {
	return NormalizeAddress(e.Headers["From"])
}

// Subject returns the Subject header.
func (e *RawEvent) Subject() string {
	return e.Headers["Subject"]
}
