package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recordflow/recordflow/internal/dispatch"
	"github.com/recordflow/recordflow/internal/platform/db"
)

type queryable interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository stores documents in Postgres. It doubles as the aggregate
// persister registered with the unit of work.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const selectColumns = `id, app_id, tenant_id, patient_id, file_name, content_type,
	page_count, storage_key, uploaded, operation_status,
	created_at, created_by, updated_at, updated_by`

func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Document, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+selectColumns+` FROM document WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dispatch.ErrNotFound
	}
	return doc, err
}

func (r *PGRepository) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Document, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+selectColumns+` FROM document WHERE patient_id = $1 ORDER BY created_at DESC`,
		patientID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func scanDocument(row pgx.Row) (*Document, error) {
	var doc Document
	var status []byte
	err := row.Scan(&doc.ID, &doc.AppID, &doc.TenantID, &doc.PatientID,
		&doc.FileName, &doc.ContentType, &doc.PageCount, &doc.StorageKey,
		&doc.Uploaded, &status,
		&doc.CreatedAt, &doc.CreatedBy, &doc.UpdatedAt, &doc.UpdatedBy)
	if err != nil {
		return nil, err
	}
	doc.OperationStatus = make(map[string]OperationStatusSnapshot)
	if len(status) > 0 {
		if err := json.Unmarshal(status, &doc.OperationStatus); err != nil {
			return nil, fmt.Errorf("decode operation status: %w", err)
		}
	}
	return &doc, nil
}

// ---------------------------------------------------------------------------
// dispatch.Persister
// ---------------------------------------------------------------------------

func (r *PGRepository) Kind() string { return Kind }

func (r *PGRepository) Insert(ctx context.Context, a dispatch.Aggregate) error {
	doc, ok := a.(*Document)
	if !ok {
		return fmt.Errorf("document persister: unexpected aggregate %T", a)
	}
	status, err := json.Marshal(doc.OperationStatus)
	if err != nil {
		return fmt.Errorf("encode operation status: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx,
		`INSERT INTO document (`+selectColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		doc.ID, doc.AppID, doc.TenantID, doc.PatientID,
		doc.FileName, doc.ContentType, doc.PageCount, doc.StorageKey,
		doc.Uploaded, status,
		doc.CreatedAt, doc.CreatedBy, doc.UpdatedAt, doc.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *PGRepository) Update(ctx context.Context, a dispatch.Aggregate) error {
	doc, ok := a.(*Document)
	if !ok {
		return fmt.Errorf("document persister: unexpected aggregate %T", a)
	}
	status, err := json.Marshal(doc.OperationStatus)
	if err != nil {
		return fmt.Errorf("encode operation status: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE document SET file_name=$2, content_type=$3, page_count=$4,
		 storage_key=$5, uploaded=$6, operation_status=$7,
		 updated_at=$8, updated_by=$9
		 WHERE id=$1`,
		doc.ID, doc.FileName, doc.ContentType, doc.PageCount,
		doc.StorageKey, doc.Uploaded, status,
		doc.UpdatedAt, doc.UpdatedBy)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrNotFound
	}
	return nil
}

func (r *PGRepository) Delete(ctx context.Context, a dispatch.Aggregate) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM document WHERE id = $1`, a.AggregateID())
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}
