package auditevent

import (
	"context"
	"errors"

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

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const auditCols = `event_id, document_id, event_type, content_digest, owner_id, occurred_at, recorded_at`

func scanAudit(row pgx.Row) (*AuditRecord, error) {
	var a AuditRecord
	err := row.Scan(&a.EventID, &a.DocumentID, &a.EventType, &a.ContentDigest, &a.OwnerID, &a.OccurredAt, &a.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return &a, err
}

func (r *repoPG) Insert(ctx context.Context, rec *AuditRecord) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO audit_event (event_id, document_id, event_type, content_digest, owner_id, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, rec.DocumentID, rec.EventType, rec.ContentDigest, rec.OwnerID, rec.OccurredAt)
	return err
}

func (r *repoPG) GetByEventID(ctx context.Context, eventID uuid.UUID) (*AuditRecord, error) {
	return scanAudit(r.conn(ctx).QueryRow(ctx, `SELECT `+auditCols+` FROM audit_event WHERE event_id = $1`, eventID))
}

func (r *repoPG) ListByDocument(ctx context.Context, documentID uuid.UUID, limit, offset int) ([]*AuditRecord, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM audit_event WHERE document_id = $1`, documentID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+auditCols+` FROM audit_event WHERE document_id = $1 ORDER BY occurred_at DESC LIMIT $2 OFFSET $3`,
		documentID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collect(rows, total)
}

func (r *repoPG) List(ctx context.Context, eventType string, limit, offset int) ([]*AuditRecord, int, error) {
	where := ""
	args := []interface{}{}
	query := `SELECT ` + auditCols + ` FROM audit_event ORDER BY occurred_at DESC LIMIT $1 OFFSET $2`
	if eventType != "" {
		where = `WHERE event_type = $1`
		args = append(args, eventType)
		query = `SELECT ` + auditCols + ` FROM audit_event ` + where + ` ORDER BY occurred_at DESC LIMIT $2 OFFSET $3`
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM audit_event `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collect(rows, total)
}

func collect(rows pgx.Rows, total int) ([]*AuditRecord, int, error) {
	var items []*AuditRecord
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}
