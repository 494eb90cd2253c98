package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/medvault/medvault/internal/domain/auditevent"
	"github.com/medvault/medvault/internal/errs"
)

func newAuditRecord(documentID uuid.UUID, eventType string) *auditevent.AuditRecord {
	return &auditevent.AuditRecord{
		EventID:       uuid.New(),
		DocumentID:    documentID,
		EventType:     eventType,
		ContentDigest: digestOf("audit-" + uuid.New().String()),
		OwnerID:       "clinic-1",
		OccurredAt:    time.Now().UTC(),
	}
}

func TestAuditInsertIdempotent(t *testing.T) {
	ctx := context.Background()
	truncateAll(t, ctx)
	repo := auditevent.NewRepoPG(globalDB.Pool)

	rec := newAuditRecord(uuid.New(), "uploaded")

	// Redelivery of the same event id must collapse into one row.
	for i := 0; i < 3; i++ {
		if err := repo.Insert(ctx, rec); err != nil {
			t.Fatalf("insert %d: %v", i+1, err)
		}
	}

	got, err := repo.GetByEventID(ctx, rec.EventID)
	if err != nil {
		t.Fatalf("get by event id: %v", err)
	}
	if got.EventType != "uploaded" {
		t.Errorf("expected uploaded, got %s", got.EventType)
	}

	_, total, err := repo.List(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 {
		t.Errorf("expected 1 row after redelivery, got %d", total)
	}
}

func TestAuditListByDocument(t *testing.T) {
	ctx := context.Background()
	truncateAll(t, ctx)
	repo := auditevent.NewRepoPG(globalDB.Pool)

	docID := uuid.New()
	for _, et := range []string{"uploaded", "signed", "verified"} {
		if err := repo.Insert(ctx, newAuditRecord(docID, et)); err != nil {
			t.Fatalf("insert %s: %v", et, err)
		}
	}
	if err := repo.Insert(ctx, newAuditRecord(uuid.New(), "uploaded")); err != nil {
		t.Fatalf("insert other doc: %v", err)
	}

	items, total, err := repo.ListByDocument(ctx, docID, 10, 0)
	if err != nil {
		t.Fatalf("list by document: %v", err)
	}
	if total != 3 || len(items) != 3 {
		t.Fatalf("expected 3 events for document, got total=%d len=%d", total, len(items))
	}

	filtered, total, err := repo.List(ctx, "uploaded", 10, 0)
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if total != 2 || len(filtered) != 2 {
		t.Fatalf("expected 2 uploaded events, got total=%d len=%d", total, len(filtered))
	}
}

func TestAuditGetUnknownEvent(t *testing.T) {
	ctx := context.Background()
	truncateAll(t, ctx)
	repo := auditevent.NewRepoPG(globalDB.Pool)

	_, err := repo.GetByEventID(ctx, uuid.New())
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
