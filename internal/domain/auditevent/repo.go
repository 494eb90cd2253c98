package auditevent

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Insert stores a record, silently skipping event ids already seen.
	Insert(ctx context.Context, rec *AuditRecord) error
	GetByEventID(ctx context.Context, eventID uuid.UUID) (*AuditRecord, error)
	ListByDocument(ctx context.Context, documentID uuid.UUID, limit, offset int) ([]*AuditRecord, int, error)
	List(ctx context.Context, eventType string, limit, offset int) ([]*AuditRecord, int, error)
}
