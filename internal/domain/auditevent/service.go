package auditevent

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/platform/events"
)

// Service persists lifecycle events and answers audit queries.
type Service struct {
	repo   Repository
	logger zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger.With().Str("component", "audit").Logger()}
}

// Record stores a lifecycle event. Duplicate event ids are absorbed by the
// repository, so redelivery is harmless.
func (s *Service) Record(ctx context.Context, e events.Event) error {
	return s.repo.Insert(ctx, &AuditRecord{
		EventID:       e.EventID,
		DocumentID:    e.DocumentID,
		EventType:     string(e.Type),
		ContentDigest: e.ContentDigest,
		OwnerID:       e.OwnerID,
		OccurredAt:    e.Timestamp,
	})
}

// Consume drains a subscription until ctx is cancelled. Failed inserts are
// logged and dropped; the publisher's at-least-once retries cover
// transient storage errors on the next delivery.
func (s *Service) Consume(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			if err := s.Record(ctx, e); err != nil {
				s.logger.Error().Err(err).
					Str("event_id", e.EventID.String()).
					Str("event_type", string(e.Type)).
					Msg("audit event not recorded")
				continue
			}
			s.logger.Debug().
				Str("event_id", e.EventID.String()).
				Str("event_type", string(e.Type)).
				Str("document_id", e.DocumentID.String()).
				Msg("audit event recorded")
		}
	}
}

func (s *Service) Get(ctx context.Context, eventID uuid.UUID) (*AuditRecord, error) {
	return s.repo.GetByEventID(ctx, eventID)
}

func (s *Service) ListByDocument(ctx context.Context, documentID uuid.UUID, limit, offset int) ([]*AuditRecord, int, error) {
	return s.repo.ListByDocument(ctx, documentID, limit, offset)
}

func (s *Service) List(ctx context.Context, eventType string, limit, offset int) ([]*AuditRecord, int, error) {
	return s.repo.List(ctx, eventType, limit, offset)
}
