package auditevent

import (
	"time"

	"github.com/google/uuid"
)

// AuditRecord is one persisted lifecycle event. EventID is the primary
// key, so redelivered events collapse into a single row and consumers can
// stay idempotent under at-least-once delivery.
type AuditRecord struct {
	EventID       uuid.UUID `db:"event_id" json:"event_id"`
	DocumentID    uuid.UUID `db:"document_id" json:"document_id"`
	EventType     string    `db:"event_type" json:"event_type"`
	ContentDigest string    `db:"content_digest" json:"content_digest"`
	OwnerID       string    `db:"owner_id" json:"owner_id"`
	OccurredAt    time.Time `db:"occurred_at" json:"occurred_at"`
	RecordedAt    time.Time `db:"recorded_at" json:"recorded_at"`
}
