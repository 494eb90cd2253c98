package document

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medvault/medvault/internal/errs"
	"github.com/medvault/medvault/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.InTx(ctx, r.pool, fn)
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const recordCols = `id, content_digest, storage_ref, key_id, nonce, auth_tag,
	owner_id, origin_id, media_type, byte_size, original_name, state,
	signature, signed_by, signed_at, anchor_ref, verified_by, verified_at,
	created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.ContentDigest, &rec.StorageRef, &rec.KeyID, &rec.Nonce, &rec.AuthTag,
		&rec.OwnerID, &rec.OriginID, &rec.MediaType, &rec.ByteSize, &rec.OriginalName, &rec.State,
		&rec.Signature, &rec.SignedBy, &rec.SignedAt, &rec.AnchorRef, &rec.VerifiedBy, &rec.VerifiedAt,
		&rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return &rec, err
}

func (r *repoPG) Create(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.State == "" {
		rec.State = StatePending
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO document_record (id, content_digest, storage_ref, key_id, nonce, auth_tag,
			owner_id, origin_id, media_type, byte_size, original_name, state)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rec.ID, rec.ContentDigest, rec.StorageRef, rec.KeyID, rec.Nonce, rec.AuthTag,
		rec.OwnerID, rec.OriginID, rec.MediaType, rec.ByteSize, rec.OriginalName, rec.State)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return errs.ErrDuplicateContent
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM document_record WHERE id = $1`, id))
}

// GetByDigest resolves the live record for a digest. Deleted rows keep
// their digest for audit but no longer reserve it; the unique index is
// partial over non-deleted rows to match.
func (r *repoPG) GetByDigest(ctx context.Context, digest string) (*Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM document_record WHERE content_digest = $1 AND state <> 'DELETED'`, digest))
}

func (r *repoPG) ListByOwner(ctx context.Context, ownerID string, state string, limit, offset int) ([]*Record, int, error) {
	where := `WHERE owner_id = $1 AND state <> 'DELETED'`
	args := []interface{}{ownerID}
	if state != "" {
		where = `WHERE owner_id = $1 AND state = $2`
		args = append(args, state)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM document_record `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT %s FROM document_record %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
			recordCols, where, n+1, n+2), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, nil
}

// transition runs a conditional update and distinguishes "row missing"
// from "row in the wrong state" so callers can report 404 vs 409.
func (r *repoPG) transition(ctx context.Context, id uuid.UUID, tag pgconn.CommandTag, execErr error) error {
	if execErr != nil {
		return execErr
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return errs.ErrInvalidTransition
}

func (r *repoPG) MarkSigned(ctx context.Context, id uuid.UUID, signature, signedBy string, signedAt time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE document_record SET state=$2, signature=$3, signed_by=$4, signed_at=$5, updated_at=NOW()
		WHERE id = $1 AND state = $6`,
		id, StateSigned, signature, signedBy, signedAt, StatePending)
	return r.transition(ctx, id, tag, err)
}

func (r *repoPG) MarkVerified(ctx context.Context, id uuid.UUID, anchorRef, verifiedBy string, verifiedAt time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE document_record SET state=$2, anchor_ref=$3, verified_by=$4, verified_at=$5, updated_at=NOW()
		WHERE id = $1 AND state = $6`,
		id, StateVerified, anchorRef, verifiedBy, verifiedAt, StateSigned)
	return r.transition(ctx, id, tag, err)
}

func (r *repoPG) MarkDeleted(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE document_record SET state=$2, updated_at=NOW()
		WHERE id = $1 AND state <> $2`,
		id, StateDeleted)
	return r.transition(ctx, id, tag, err)
}

func (r *repoPG) UpdateEncryptionParams(ctx context.Context, id uuid.UUID, storageRef, keyID string, nonce, authTag []byte) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE document_record SET storage_ref=$2, key_id=$3, nonce=$4, auth_tag=$5, updated_at=NOW()
		WHERE id = $1 AND state <> $6`,
		id, storageRef, keyID, nonce, authTag, StateDeleted)
	return r.transition(ctx, id, tag, err)
}

func (r *repoPG) StorageRefs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT storage_ref FROM document_record WHERE state <> 'DELETED'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	refs := make(map[string]struct{})
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		refs[ref] = struct{}{}
	}
	return refs, rows.Err()
}
