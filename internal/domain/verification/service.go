package verification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/domain/document"
	"github.com/medvault/medvault/internal/errs"
	"github.com/medvault/medvault/internal/platform/events"
	"github.com/medvault/medvault/internal/platform/ledger"
)

// Publisher is the slice of the event publisher the orchestrator needs.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// Orchestrator drives a document through its verification states. Both
// transitions ride the repository's conditional updates, so concurrent
// calls cannot move a record backwards or skip a state.
type Orchestrator struct {
	repo      document.Repository
	signer    Signer
	ledger    ledger.Ledger
	publisher Publisher
	logger    zerolog.Logger
}

func NewOrchestrator(repo document.Repository, signer Signer, anchors ledger.Ledger,
	publisher Publisher, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		repo:      repo,
		signer:    signer,
		ledger:    anchors,
		publisher: publisher,
		logger:    logger.With().Str("component", "verification").Logger(),
	}
}

// Sign attests a PENDING document's digest on behalf of signedBy and
// transitions it to SIGNED. Any other starting state is a conflict. The
// read and the conditional update share one transaction; the event goes
// out only after it commits.
func (o *Orchestrator) Sign(ctx context.Context, id uuid.UUID, signedBy string) (*document.Record, error) {
	var rec *document.Record
	err := o.repo.InTx(ctx, func(ctx context.Context) error {
		var err error
		rec, err = o.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !document.CanTransition(rec.State, document.StateSigned) {
			return fmt.Errorf("%w: cannot sign a %s document", errs.ErrInvalidTransition, rec.State)
		}
		return o.repo.MarkSigned(ctx, id, o.signer.Sign(rec.ContentDigest), signedBy, time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}

	if err := o.publisher.Publish(ctx, events.New(rec.ID, events.TypeSigned, rec.ContentDigest, rec.OwnerID)); err != nil {
		o.logger.Warn().Err(err).Str("document_id", id.String()).Msg("signed event not delivered")
	}
	o.logger.Info().
		Str("document_id", id.String()).
		Str("signed_by", signedBy).
		Msg("document signed")

	return o.repo.GetByID(ctx, id)
}

// Anchor registers a SIGNED document's digest with the external ledger
// and transitions it to VERIFIED. Anchoring a VERIFIED document returns
// the existing receipt without touching the ledger again; the operation
// is idempotent. Ledger failures leave the record SIGNED so the caller
// can retry.
func (o *Orchestrator) Anchor(ctx context.Context, id uuid.UUID, verifiedBy string) (*document.Record, error) {
	rec, err := o.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State == document.StateVerified {
		return rec, nil
	}
	if !document.CanTransition(rec.State, document.StateVerified) {
		return nil, fmt.Errorf("%w: cannot anchor a %s document", errs.ErrInvalidTransition, rec.State)
	}

	// The signature must still hold before the digest is put on the ledger.
	if rec.Signature == nil || !o.signer.Verify(rec.ContentDigest, *rec.Signature) {
		o.logger.Error().
			Str("security_event", "integrity_violation").
			Str("document_id", id.String()).
			Str("content_digest", rec.ContentDigest).
			Str("reason", "stored signature does not verify").
			Msg("document integrity violation")
		return nil, fmt.Errorf("%w: signature verification failed", errs.ErrIntegrityViolation)
	}

	receipt, err := o.ledger.Anchor(ctx, rec.ContentDigest)
	if err != nil {
		return nil, err
	}

	if err := o.repo.MarkVerified(ctx, id, receipt, verifiedBy, time.Now().UTC()); err != nil {
		// Lost the race to a concurrent Anchor. The digest is on the ledger
		// either way; report the winner's record.
		if fresh, getErr := o.repo.GetByID(ctx, id); getErr == nil && fresh.State == document.StateVerified {
			return fresh, nil
		}
		return nil, err
	}

	if err := o.publisher.Publish(ctx, events.New(rec.ID, events.TypeVerified, rec.ContentDigest, rec.OwnerID)); err != nil {
		o.logger.Warn().Err(err).Str("document_id", id.String()).Msg("verified event not delivered")
	}
	o.logger.Info().
		Str("document_id", id.String()).
		Str("anchor_ref", receipt).
		Msg("document anchored")

	return o.repo.GetByID(ctx, id)
}

// CheckAnchor re-verifies a VERIFIED document's receipt against the ledger.
func (o *Orchestrator) CheckAnchor(ctx context.Context, id uuid.UUID) (bool, error) {
	rec, err := o.repo.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if rec.State != document.StateVerified || rec.AnchorRef == nil {
		return false, fmt.Errorf("%w: document is not verified", errs.ErrInvalidTransition)
	}
	return o.ledger.Verify(ctx, *rec.AnchorRef)
}
