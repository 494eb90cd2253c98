package verification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/domain/document"
	"github.com/medvault/medvault/internal/errs"
	"github.com/medvault/medvault/internal/platform/cas"
	"github.com/medvault/medvault/internal/platform/events"
	"github.com/medvault/medvault/internal/platform/ledger"
)

// -- Mock Repository --

type mockRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*document.Record
}

func newMockRepo() *mockRepo {
	return &mockRepo{items: make(map[uuid.UUID]*document.Record)}
}

func (m *mockRepo) seed(state string) *document.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := &document.Record{
		ID:            uuid.New(),
		ContentDigest: cas.Digest([]byte(uuid.New().String())),
		StorageRef:    uuid.New().String(),
		KeyID:         "v1",
		OwnerID:       "owner-1",
		State:         state,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	m.items[rec.ID] = rec
	return rec
}

func (m *mockRepo) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *mockRepo) Create(_ context.Context, rec *document.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = uuid.New()
	m.items[rec.ID] = rec
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*document.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.items[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *mockRepo) GetByDigest(_ context.Context, digest string) (*document.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.items {
		if rec.ContentDigest == digest && rec.State != document.StateDeleted {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (m *mockRepo) ListByOwner(_ context.Context, ownerID, state string, limit, offset int) ([]*document.Record, int, error) {
	return nil, 0, nil
}

func (m *mockRepo) MarkSigned(_ context.Context, id uuid.UUID, signature, signedBy string, signedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.items[id]
	if !ok {
		return errs.ErrNotFound
	}
	if rec.State != document.StatePending {
		return errs.ErrInvalidTransition
	}
	rec.State = document.StateSigned
	rec.Signature = &signature
	rec.SignedBy = &signedBy
	rec.SignedAt = &signedAt
	return nil
}

func (m *mockRepo) MarkVerified(_ context.Context, id uuid.UUID, anchorRef, verifiedBy string, verifiedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.items[id]
	if !ok {
		return errs.ErrNotFound
	}
	if rec.State != document.StateSigned {
		return errs.ErrInvalidTransition
	}
	rec.State = document.StateVerified
	rec.AnchorRef = &anchorRef
	rec.VerifiedBy = &verifiedBy
	rec.VerifiedAt = &verifiedAt
	return nil
}

func (m *mockRepo) MarkDeleted(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.items[id]
	if !ok {
		return errs.ErrNotFound
	}
	rec.State = document.StateDeleted
	return nil
}

func (m *mockRepo) UpdateEncryptionParams(_ context.Context, id uuid.UUID, storageRef, keyID string, nonce, authTag []byte) error {
	return nil
}

func (m *mockRepo) StorageRefs(_ context.Context) (map[string]struct{}, error) {
	return nil, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturePublisher) Publish(_ context.Context, e events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *capturePublisher) count(t events.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type downLedger struct{}

func (downLedger) Anchor(context.Context, string) (string, error) {
	return "", fmt.Errorf("%w: connection refused", errs.ErrUpstreamUnavailable)
}
func (downLedger) Verify(context.Context, string) (bool, error) {
	return false, fmt.Errorf("%w: connection refused", errs.ErrUpstreamUnavailable)
}

func newTestOrchestrator() (*Orchestrator, *mockRepo, *ledger.MemoryLedger, *capturePublisher) {
	repo := newMockRepo()
	anchors := ledger.NewMemoryLedger()
	pub := &capturePublisher{}
	signer := NewHMACSigner([]byte("test-secret"))
	o := NewOrchestrator(repo, signer, anchors, pub, zerolog.Nop())
	return o, repo, anchors, pub
}

func TestSign(t *testing.T) {
	ctx := context.Background()

	t.Run("pending document becomes SIGNED", func(t *testing.T) {
		o, repo, _, pub := newTestOrchestrator()
		seed := repo.seed(document.StatePending)

		rec, err := o.Sign(ctx, seed.ID, "dr-jones")
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		if rec.State != document.StateSigned {
			t.Errorf("state = %s, want SIGNED", rec.State)
		}
		if rec.Signature == nil || rec.SignedBy == nil || *rec.SignedBy != "dr-jones" {
			t.Fatal("signature metadata missing")
		}
		if !NewHMACSigner([]byte("test-secret")).Verify(rec.ContentDigest, *rec.Signature) {
			t.Error("stored signature does not verify")
		}
		if pub.count(events.TypeSigned) != 1 {
			t.Error("signed event not published")
		}
	})

	t.Run("signed document cannot be signed again", func(t *testing.T) {
		o, repo, _, _ := newTestOrchestrator()
		seed := repo.seed(document.StateSigned)
		if _, err := o.Sign(ctx, seed.ID, "dr-jones"); !errors.Is(err, errs.ErrInvalidTransition) {
			t.Fatalf("err = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("verified document cannot regress", func(t *testing.T) {
		o, repo, _, _ := newTestOrchestrator()
		seed := repo.seed(document.StateVerified)
		if _, err := o.Sign(ctx, seed.ID, "dr-jones"); !errors.Is(err, errs.ErrInvalidTransition) {
			t.Fatalf("err = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("deleted document cannot be signed", func(t *testing.T) {
		o, repo, _, _ := newTestOrchestrator()
		seed := repo.seed(document.StateDeleted)
		if _, err := o.Sign(ctx, seed.ID, "dr-jones"); !errors.Is(err, errs.ErrInvalidTransition) {
			t.Fatalf("err = %v, want ErrInvalidTransition", err)
		}
		rec, _ := repo.GetByID(ctx, seed.ID)
		if rec.State != document.StateDeleted {
			t.Errorf("state = %s, want DELETED unchanged", rec.State)
		}
	})

	t.Run("unknown document is not found", func(t *testing.T) {
		o, _, _, _ := newTestOrchestrator()
		if _, err := o.Sign(ctx, uuid.New(), "dr-jones"); !errors.Is(err, errs.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestAnchor(t *testing.T) {
	ctx := context.Background()

	t.Run("signed document becomes VERIFIED", func(t *testing.T) {
		o, repo, anchors, pub := newTestOrchestrator()
		seed := repo.seed(document.StatePending)
		if _, err := o.Sign(ctx, seed.ID, "dr-jones"); err != nil {
			t.Fatalf("Sign: %v", err)
		}

		rec, err := o.Anchor(ctx, seed.ID, "auditor-1")
		if err != nil {
			t.Fatalf("Anchor: %v", err)
		}
		if rec.State != document.StateVerified {
			t.Errorf("state = %s, want VERIFIED", rec.State)
		}
		if rec.AnchorRef == nil {
			t.Fatal("anchor_ref missing")
		}
		if ok, _ := anchors.Verify(ctx, *rec.AnchorRef); !ok {
			t.Error("receipt not known to the ledger")
		}
		if pub.count(events.TypeVerified) != 1 {
			t.Error("verified event not published")
		}
	})

	t.Run("anchoring twice is idempotent", func(t *testing.T) {
		o, repo, anchors, pub := newTestOrchestrator()
		seed := repo.seed(document.StatePending)
		_, _ = o.Sign(ctx, seed.ID, "dr-jones")
		first, err := o.Anchor(ctx, seed.ID, "auditor-1")
		if err != nil {
			t.Fatalf("first Anchor: %v", err)
		}
		second, err := o.Anchor(ctx, seed.ID, "auditor-2")
		if err != nil {
			t.Fatalf("second Anchor: %v", err)
		}
		if *first.AnchorRef != *second.AnchorRef {
			t.Error("repeat anchor produced a different receipt")
		}
		if anchors.AnchorCount() != 1 {
			t.Errorf("ledger anchors = %d, want 1", anchors.AnchorCount())
		}
		if pub.count(events.TypeVerified) != 1 {
			t.Error("repeat anchor republished the event")
		}
	})

	t.Run("pending document cannot be anchored", func(t *testing.T) {
		o, repo, _, _ := newTestOrchestrator()
		seed := repo.seed(document.StatePending)
		if _, err := o.Anchor(ctx, seed.ID, "auditor-1"); !errors.Is(err, errs.ErrInvalidTransition) {
			t.Fatalf("err = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("deleted document cannot be anchored", func(t *testing.T) {
		o, repo, anchors, _ := newTestOrchestrator()
		seed := repo.seed(document.StateDeleted)
		if _, err := o.Anchor(ctx, seed.ID, "auditor-1"); !errors.Is(err, errs.ErrInvalidTransition) {
			t.Fatalf("err = %v, want ErrInvalidTransition", err)
		}
		if anchors.AnchorCount() != 0 {
			t.Error("deleted document digest reached the ledger")
		}
	})

	t.Run("ledger outage leaves the document SIGNED", func(t *testing.T) {
		repo := newMockRepo()
		pub := &capturePublisher{}
		o := NewOrchestrator(repo, NewHMACSigner([]byte("test-secret")), downLedger{}, pub, zerolog.Nop())
		seed := repo.seed(document.StatePending)
		if _, err := o.Sign(ctx, seed.ID, "dr-jones"); err != nil {
			t.Fatalf("Sign: %v", err)
		}

		_, err := o.Anchor(ctx, seed.ID, "auditor-1")
		if !errors.Is(err, errs.ErrUpstreamUnavailable) {
			t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
		}
		rec, _ := repo.GetByID(ctx, seed.ID)
		if rec.State != document.StateSigned {
			t.Errorf("state = %s, want SIGNED after outage", rec.State)
		}
		if pub.count(events.TypeVerified) != 0 {
			t.Error("verified event published despite outage")
		}
	})

	t.Run("tampered signature blocks anchoring", func(t *testing.T) {
		o, repo, anchors, _ := newTestOrchestrator()
		seed := repo.seed(document.StatePending)
		_, _ = o.Sign(ctx, seed.ID, "dr-jones")
		repo.mu.Lock()
		bad := "deadbeef"
		repo.items[seed.ID].Signature = &bad
		repo.mu.Unlock()

		if _, err := o.Anchor(ctx, seed.ID, "auditor-1"); !errors.Is(err, errs.ErrIntegrityViolation) {
			t.Fatalf("err = %v, want ErrIntegrityViolation", err)
		}
		if anchors.AnchorCount() != 0 {
			t.Error("tampered digest reached the ledger")
		}
	})
}

func TestCheckAnchor(t *testing.T) {
	ctx := context.Background()
	o, repo, _, _ := newTestOrchestrator()
	seed := repo.seed(document.StatePending)
	_, _ = o.Sign(ctx, seed.ID, "dr-jones")

	t.Run("unverified document is a conflict", func(t *testing.T) {
		if _, err := o.CheckAnchor(ctx, seed.ID); !errors.Is(err, errs.ErrInvalidTransition) {
			t.Fatalf("err = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("verified document checks out", func(t *testing.T) {
		if _, err := o.Anchor(ctx, seed.ID, "auditor-1"); err != nil {
			t.Fatalf("Anchor: %v", err)
		}
		ok, err := o.CheckAnchor(ctx, seed.ID)
		if err != nil {
			t.Fatalf("CheckAnchor: %v", err)
		}
		if !ok {
			t.Error("receipt did not verify")
		}
	})
}
