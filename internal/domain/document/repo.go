package document

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists document records. The content_digest unique
// constraint in Postgres is the single authority for deduplication;
// Create surfaces a constraint hit as errs.ErrDuplicateContent.
type Repository interface {
	// InTx runs fn inside one transaction; the derived context carries it
	// so every repository call inside fn shares the transaction.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	Create(ctx context.Context, rec *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	GetByDigest(ctx context.Context, digest string) (*Record, error)
	ListByOwner(ctx context.Context, ownerID string, state string, limit, offset int) ([]*Record, int, error)

	// MarkSigned transitions PENDING → SIGNED. It is a conditional update
	// and returns errs.ErrInvalidTransition when the row is not PENDING.
	MarkSigned(ctx context.Context, id uuid.UUID, signature, signedBy string, signedAt time.Time) error

	// MarkVerified transitions SIGNED → VERIFIED under the same
	// conditional-update discipline.
	MarkVerified(ctx context.Context, id uuid.UUID, anchorRef, verifiedBy string, verifiedAt time.Time) error

	// MarkDeleted soft-deletes: the row stays for audit, the blob goes.
	MarkDeleted(ctx context.Context, id uuid.UUID) error

	// UpdateEncryptionParams swaps storage_ref, key_id, nonce and auth_tag
	// after a key rotation re-encrypt. Digest and state are untouched.
	UpdateEncryptionParams(ctx context.Context, id uuid.UUID, storageRef, keyID string, nonce, authTag []byte) error

	// StorageRefs returns the storage references of all live (non-deleted)
	// records, for orphan reconciliation.
	StorageRefs(ctx context.Context) (map[string]struct{}, error)
}
