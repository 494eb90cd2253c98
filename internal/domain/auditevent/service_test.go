package auditevent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/errs"
	"github.com/medvault/medvault/internal/platform/events"
)

type memRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*AuditRecord
}

func newMemRepo() *memRepo {
	return &memRepo{items: make(map[uuid.UUID]*AuditRecord)}
}

func (m *memRepo) Insert(_ context.Context, rec *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[rec.EventID]; ok {
		return nil
	}
	cp := *rec
	cp.RecordedAt = time.Now()
	m.items[rec.EventID] = &cp
	return nil
}

func (m *memRepo) GetByEventID(_ context.Context, eventID uuid.UUID) (*AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.items[eventID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memRepo) ListByDocument(_ context.Context, documentID uuid.UUID, limit, offset int) ([]*AuditRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AuditRecord
	for _, rec := range m.items {
		if rec.DocumentID == documentID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, len(out), nil
}

func (m *memRepo) List(_ context.Context, eventType string, limit, offset int) ([]*AuditRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AuditRecord
	for _, rec := range m.items {
		if eventType == "" || rec.EventType == eventType {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, len(out), nil
}

func (m *memRepo) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func TestRecord_Idempotent(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, zerolog.Nop())
	ctx := context.Background()

	e := events.New(uuid.New(), events.TypeUploaded, "digest-1", "owner-1")
	for i := 0; i < 3; i++ {
		if err := svc.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if repo.len() != 1 {
		t.Errorf("records = %d, want 1 after redelivery", repo.len())
	}
}

func TestConsume(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, zerolog.Nop())

	bus := events.NewMemoryBus()
	sub := bus.Subscribe(events.Topic)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Consume(ctx, sub)
		close(done)
	}()

	docID := uuid.New()
	first := events.New(docID, events.TypeUploaded, "digest-1", "owner-1")
	second := events.New(docID, events.TypeSigned, "digest-1", "owner-1")
	for _, e := range []events.Event{first, first, second} {
		if err := bus.Publish(context.Background(), events.Topic, e); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	deadline := time.After(2 * time.Second)
	for repo.len() < 2 {
		select {
		case <-deadline:
			t.Fatalf("records = %d, want 2", repo.len())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop on cancel")
	}

	items, total, err := svc.ListByDocument(context.Background(), docID, 10, 0)
	if err != nil {
		t.Fatalf("ListByDocument: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Errorf("total = %d, items = %d, want 2 and 2", total, len(items))
	}
}
