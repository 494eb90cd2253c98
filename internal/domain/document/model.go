package document

import (
	"time"

	"github.com/google/uuid"
)

// Verification states for a document record. Transitions are monotonic:
// PENDING → SIGNED → VERIFIED, with DELETED reachable from any state and
// terminal.
const (
	StatePending  = "PENDING"
	StateSigned   = "SIGNED"
	StateVerified = "VERIFIED"
	StateDeleted  = "DELETED"
)

// validTransitions maps a source state to the states reachable from it.
var validTransitions = map[string][]string{
	StatePending:  {StateSigned, StateDeleted},
	StateSigned:   {StateVerified, StateDeleted},
	StateVerified: {StateDeleted},
	StateDeleted:  {},
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to string) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Record maps to the document_record table: one row per logical document,
// tracking digest, storage reference, encryption parameters, and
// verification state. ContentDigest carries a unique constraint and is the
// deduplication authority; ContentDigest, OwnerID, and StorageRef are
// immutable after creation (StorageRef changes only under key rotation,
// which re-verifies the content before committing).
type Record struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	ContentDigest string     `db:"content_digest" json:"content_digest"`
	StorageRef    string     `db:"storage_ref" json:"storage_ref"`
	KeyID         string     `db:"key_id" json:"-"`
	Nonce         []byte     `db:"nonce" json:"-"`
	AuthTag       []byte     `db:"auth_tag" json:"-"`
	OwnerID       string     `db:"owner_id" json:"owner_id"`
	OriginID      string     `db:"origin_id" json:"origin_id"`
	MediaType     string     `db:"media_type" json:"media_type"`
	ByteSize      int64      `db:"byte_size" json:"byte_size"`
	OriginalName  string     `db:"original_name" json:"original_name"`
	State         string     `db:"state" json:"state"`
	Signature     *string    `db:"signature" json:"signature,omitempty"`
	SignedBy      *string    `db:"signed_by" json:"signed_by,omitempty"`
	SignedAt      *time.Time `db:"signed_at" json:"signed_at,omitempty"`
	AnchorRef     *string    `db:"anchor_ref" json:"anchor_ref,omitempty"`
	VerifiedBy    *string    `db:"verified_by" json:"verified_by,omitempty"`
	VerifiedAt    *time.Time `db:"verified_at" json:"verified_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// UploadRequest is the shape consumed from the transport layer.
type UploadRequest struct {
	OwnerID      string
	OriginID     string
	MediaType    string
	OriginalName string
	Bytes        []byte
}

// UploadResult is returned for both fresh uploads and duplicate content.
// Duplicate reports whether the returned document already existed.
type UploadResult struct {
	DocumentID    uuid.UUID `json:"document_id"`
	ContentDigest string    `json:"content_digest"`
	State         string    `json:"state"`
	StorageRef    string    `json:"storage_ref"`
	Duplicate     bool      `json:"duplicate,omitempty"`
}
