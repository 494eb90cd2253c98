package document

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/errs"
	"github.com/medvault/medvault/internal/platform/blobstore"
	"github.com/medvault/medvault/internal/platform/cas"
	"github.com/medvault/medvault/internal/platform/events"
	"github.com/medvault/medvault/internal/platform/keyring"
	"github.com/medvault/medvault/internal/platform/validate"
)

// Publisher is the slice of the event publisher the pipeline needs.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// Pipeline runs the ingest path: validate, digest, deduplicate, encrypt,
// store, record. It also serves retrieval with digest re-verification,
// soft deletion, key rotation, and orphan reconciliation.
type Pipeline struct {
	repo      Repository
	validator *validate.Validator
	index     *cas.Index
	keys      keyring.Service
	blobs     blobstore.Store
	publisher Publisher
	logger    zerolog.Logger

	// rotating serializes key rotation per document so two concurrent
	// rotations cannot interleave their read-reencrypt-swap sequences.
	// Entries are reference counted and dropped once no rotation holds them.
	rotatingMu sync.Mutex
	rotating   map[uuid.UUID]*rotationLock
}

type rotationLock struct {
	sync.Mutex
	refs int
}

func NewPipeline(repo Repository, validator *validate.Validator, index *cas.Index,
	keys keyring.Service, blobs blobstore.Store, publisher Publisher, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		repo:      repo,
		validator: validator,
		index:     index,
		keys:      keys,
		blobs:     blobs,
		publisher: publisher,
		logger:    logger.With().Str("component", "pipeline").Logger(),
		rotating:  make(map[uuid.UUID]*rotationLock),
	}
}

// Upload ingests raw content. Validation failures reject before any write.
// Duplicate content returns the existing record's identity with Duplicate
// set; the database unique constraint on content_digest is the authority,
// so concurrent uploads of the same bytes converge on a single record.
func (p *Pipeline) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if req.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner is required", errs.ErrValidationRejected)
	}
	if err := p.validator.Validate(req.Bytes, req.MediaType); err != nil {
		return nil, err
	}

	digest := cas.Digest(req.Bytes)

	// Advisory fast path. The index can be stale after a crash; a hit is
	// only trusted when the record store confirms it.
	if _, ok := p.index.Lookup(digest); ok {
		if existing, err := p.repo.GetByDigest(ctx, digest); err == nil && existing.State != StateDeleted {
			return duplicateResult(existing), errs.ErrDuplicateContent
		}
	}

	sealed, err := p.keys.Encrypt(ctx, req.Bytes)
	if err != nil {
		return nil, fmt.Errorf("encrypt content: %w", err)
	}

	ref, err := p.blobs.Put(ctx, sealed.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("store blob: %w", err)
	}

	rec := &Record{
		ContentDigest: digest,
		StorageRef:    ref,
		KeyID:         sealed.KeyID,
		Nonce:         sealed.Nonce,
		AuthTag:       sealed.Tag,
		OwnerID:       req.OwnerID,
		OriginID:      req.OriginID,
		MediaType:     req.MediaType,
		ByteSize:      int64(len(req.Bytes)),
		OriginalName:  req.OriginalName,
		State:         StatePending,
	}
	if err := p.repo.Create(ctx, rec); err != nil {
		// Lost the insert race (or raced a prior upload): discard the
		// provisional blob and report the surviving record.
		if errors.Is(err, errs.ErrDuplicateContent) {
			if delErr := p.blobs.Delete(ctx, ref); delErr != nil {
				p.logger.Warn().Err(delErr).Str("storage_ref", ref).Msg("failed to discard provisional blob")
			}
			existing, getErr := p.repo.GetByDigest(ctx, digest)
			if getErr != nil {
				return nil, getErr
			}
			p.index.Remember(digest, existing.ID)
			return duplicateResult(existing), errs.ErrDuplicateContent
		}
		return nil, err
	}

	p.index.Remember(digest, rec.ID)

	if err := p.publisher.Publish(ctx, events.New(rec.ID, events.TypeUploaded, digest, rec.OwnerID)); err != nil {
		// The record is committed; failed deliveries retry off the request
		// path and must not roll the upload back.
		p.logger.Warn().Err(err).Str("document_id", rec.ID.String()).Msg("uploaded event not delivered")
	}

	p.logger.Info().
		Str("document_id", rec.ID.String()).
		Str("content_digest", digest).
		Int64("byte_size", rec.ByteSize).
		Msg("document ingested")

	return &UploadResult{
		DocumentID:    rec.ID,
		ContentDigest: digest,
		State:         rec.State,
		StorageRef:    rec.StorageRef,
	}, nil
}

func duplicateResult(rec *Record) *UploadResult {
	return &UploadResult{
		DocumentID:    rec.ID,
		ContentDigest: rec.ContentDigest,
		State:         rec.State,
		StorageRef:    rec.StorageRef,
		Duplicate:     true,
	}
}

// Get returns a record's metadata. Deleted records stay visible here; only
// their content is gone.
func (p *Pipeline) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return p.repo.GetByID(ctx, id)
}

// List pages through an owner's live records, optionally filtered by state.
func (p *Pipeline) List(ctx context.Context, ownerID, state string, limit, offset int) ([]*Record, int, error) {
	return p.repo.ListByOwner(ctx, ownerID, state, limit, offset)
}

// Download decrypts and returns the content, re-deriving the digest and
// comparing it to the stored one. A mismatch means silent corruption or
// tampering somewhere below us: fail closed, never serve the bytes.
func (p *Pipeline) Download(ctx context.Context, id uuid.UUID) ([]byte, *Record, error) {
	rec, err := p.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if rec.State == StateDeleted {
		return nil, nil, errs.ErrNotFound
	}

	blob, err := p.blobs.Get(ctx, rec.StorageRef)
	if err != nil {
		if errors.Is(err, blobstore.ErrBlobNotFound) {
			p.securityEvent(rec, "blob missing for live record")
			return nil, nil, fmt.Errorf("%w: stored content unavailable", errs.ErrIntegrityViolation)
		}
		return nil, nil, err
	}

	plaintext, err := p.keys.Decrypt(ctx, rec.KeyID, rec.Nonce, blob, rec.AuthTag)
	if err != nil {
		if errors.Is(err, errs.ErrIntegrityViolation) {
			p.securityEvent(rec, "authenticated decryption failed")
		}
		return nil, nil, err
	}

	if got := cas.Digest(plaintext); got != rec.ContentDigest {
		p.securityEvent(rec, "content digest mismatch after decrypt")
		return nil, nil, fmt.Errorf("%w: digest mismatch", errs.ErrIntegrityViolation)
	}
	return plaintext, rec, nil
}

// Delete soft-deletes: the record row survives for audit, the encrypted
// blob is removed, and the digest is released for future uploads.
func (p *Pipeline) Delete(ctx context.Context, id uuid.UUID) error {
	rec, err := p.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(rec.State, StateDeleted) {
		return errs.ErrInvalidTransition
	}
	if err := p.repo.MarkDeleted(ctx, id); err != nil {
		return err
	}
	if err := p.blobs.Delete(ctx, rec.StorageRef); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
		p.logger.Warn().Err(err).Str("storage_ref", rec.StorageRef).Msg("blob removal failed after soft delete")
	}
	p.index.Forget(rec.ContentDigest)

	if err := p.publisher.Publish(ctx, events.New(rec.ID, events.TypeDeleted, rec.ContentDigest, rec.OwnerID)); err != nil {
		p.logger.Warn().Err(err).Str("document_id", rec.ID.String()).Msg("deleted event not delivered")
	}
	return nil
}

// RotateKey re-encrypts a document's content under the current active key.
// The sequence is read, decrypt and verify, re-encrypt, write new blob,
// verify the new blob round-trips, swap the record, then drop the old
// blob. Roll-forward only: the old blob is deleted last, so a crash at any
// point leaves a readable document (plus at worst an orphan blob that the
// reconciliation sweep collects).
func (p *Pipeline) RotateKey(ctx context.Context, id uuid.UUID) (*Record, error) {
	lock := p.acquireRotation(id)
	defer p.releaseRotation(id, lock)

	rec, err := p.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State == StateDeleted {
		return nil, errs.ErrNotFound
	}
	if rec.KeyID == p.keys.ActiveKeyID() {
		return rec, nil
	}

	plaintext, _, err := p.Download(ctx, id)
	if err != nil {
		return nil, err
	}

	sealed, err := p.keys.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, fmt.Errorf("re-encrypt content: %w", err)
	}
	newRef, err := p.blobs.Put(ctx, sealed.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("store re-encrypted blob: %w", err)
	}

	// Round-trip check before committing the swap.
	check, err := p.blobs.Get(ctx, newRef)
	if err == nil {
		var roundTrip []byte
		roundTrip, err = p.keys.Decrypt(ctx, sealed.KeyID, sealed.Nonce, check, sealed.Tag)
		if err == nil && cas.Digest(roundTrip) != rec.ContentDigest {
			err = fmt.Errorf("%w: rotation round-trip digest mismatch", errs.ErrIntegrityViolation)
		}
	}
	if err != nil {
		if delErr := p.blobs.Delete(ctx, newRef); delErr != nil {
			p.logger.Warn().Err(delErr).Str("storage_ref", newRef).Msg("failed to discard unverified rotation blob")
		}
		return nil, err
	}

	oldRef := rec.StorageRef
	if err := p.repo.UpdateEncryptionParams(ctx, id, newRef, sealed.KeyID, sealed.Nonce, sealed.Tag); err != nil {
		if delErr := p.blobs.Delete(ctx, newRef); delErr != nil {
			p.logger.Warn().Err(delErr).Str("storage_ref", newRef).Msg("failed to discard rotation blob after swap failure")
		}
		return nil, err
	}
	if err := p.blobs.Delete(ctx, oldRef); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
		p.logger.Warn().Err(err).Str("storage_ref", oldRef).Msg("old blob removal failed after rotation")
	}

	p.logger.Info().
		Str("document_id", id.String()).
		Str("key_id", sealed.KeyID).
		Msg("document re-encrypted under active key")

	return p.repo.GetByID(ctx, id)
}

// ReconcileOrphans removes blobs no live record references. Blobs younger
// than grace are skipped: they may belong to an upload or rotation still
// in flight.
func (p *Pipeline) ReconcileOrphans(ctx context.Context, grace time.Duration) (int, error) {
	live, err := p.repo.StorageRefs(ctx)
	if err != nil {
		return 0, err
	}
	refs, err := p.blobs.Refs(ctx)
	if err != nil {
		return 0, err
	}

	aged, hasAge := p.blobs.(interface{ CreatedAt(string) (time.Time, bool) })
	cutoff := time.Now().UTC().Add(-grace)

	removed := 0
	for _, ref := range refs {
		if _, ok := live[ref]; ok {
			continue
		}
		if hasAge {
			if created, ok := aged.CreatedAt(ref); ok && created.After(cutoff) {
				continue
			}
		}
		if err := p.blobs.Delete(ctx, ref); err != nil {
			p.logger.Warn().Err(err).Str("storage_ref", ref).Msg("orphan blob removal failed")
			continue
		}
		removed++
	}
	if removed > 0 {
		p.logger.Info().Int("removed", removed).Msg("orphan blobs reconciled")
	}
	return removed, nil
}

func (p *Pipeline) acquireRotation(id uuid.UUID) *rotationLock {
	p.rotatingMu.Lock()
	lock, ok := p.rotating[id]
	if !ok {
		lock = &rotationLock{}
		p.rotating[id] = lock
	}
	lock.refs++
	p.rotatingMu.Unlock()

	lock.Lock()
	return lock
}

func (p *Pipeline) releaseRotation(id uuid.UUID, lock *rotationLock) {
	lock.Unlock()
	p.rotatingMu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(p.rotating, id)
	}
	p.rotatingMu.Unlock()
}

func (p *Pipeline) securityEvent(rec *Record, reason string) {
	p.logger.Error().
		Str("security_event", "integrity_violation").
		Str("document_id", rec.ID.String()).
		Str("content_digest", rec.ContentDigest).
		Str("storage_ref", rec.StorageRef).
		Str("reason", reason).
		Msg("document integrity violation")
}
