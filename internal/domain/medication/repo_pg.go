package medication

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

const profileColumns = `id, app_id, tenant_id, patient_id, medications,
	created_at, created_by, updated_at, updated_by`

const extractedColumns = `id, app_id, tenant_id, patient_id, document_id, page_number,
	run_id, deleted, medication, medispan_status, medispan_id, medispan_medication,
	created_at, created_by, updated_at, updated_by`

func (r *PGRepository) GetProfileByPatient(ctx context.Context, patientID uuid.UUID) (*Profile, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+profileColumns+` FROM medication_profile WHERE patient_id = $1`, patientID)

	var p Profile
	var meds []byte
	err := row.Scan(&p.ID, &p.AppID, &p.TenantID, &p.PatientID, &meds,
		&p.CreatedAt, &p.CreatedBy, &p.UpdatedAt, &p.UpdatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dispatch.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(meds) > 0 {
		if err := json.Unmarshal(meds, &p.Medications); err != nil {
			return nil, fmt.Errorf("decode profile medications: %w", err)
		}
	}
	return &p, nil
}

func (r *PGRepository) GetExtracted(ctx context.Context, id uuid.UUID) (*ExtractedMedication, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+extractedColumns+` FROM extracted_medication WHERE id = $1`, id)
	return scanExtracted(row)
}

func (r *PGRepository) ListExtractedByDocument(ctx context.Context, documentID uuid.UUID) ([]*ExtractedMedication, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+extractedColumns+` FROM extracted_medication
		 WHERE document_id = $1 ORDER BY page_number, created_at`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list extracted medications: %w", err)
	}
	defer rows.Close()

	var out []*ExtractedMedication
	for rows.Next() {
		ex, err := scanExtracted(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

func scanExtracted(row pgx.Row) (*ExtractedMedication, error) {
	var ex ExtractedMedication
	var med, medispan []byte
	err := row.Scan(&ex.ID, &ex.AppID, &ex.TenantID, &ex.PatientID, &ex.DocumentID,
		&ex.PageNumber, &ex.RunID, &ex.Deleted, &med,
		&ex.MedispanStatus, &ex.MedispanID, &medispan,
		&ex.CreatedAt, &ex.CreatedBy, &ex.UpdatedAt, &ex.UpdatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dispatch.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(med) > 0 {
		if err := json.Unmarshal(med, &ex.Medication); err != nil {
			return nil, fmt.Errorf("decode extracted medication: %w", err)
		}
	}
	if len(medispan) > 0 {
		if err := json.Unmarshal(medispan, &ex.MedispanMedication); err != nil {
			return nil, fmt.Errorf("decode medispan medication: %w", err)
		}
	}
	return &ex, nil
}

// ---------------------------------------------------------------------------
// Persisters
// ---------------------------------------------------------------------------

func (r *PGRepository) Persisters() []dispatch.Persister {
	return []dispatch.Persister{
		&profilePersister{repo: r},
		&extractedPersister{repo: r},
	}
}

type profilePersister struct{ repo *PGRepository }

func (profilePersister) Kind() string { return ProfileKind }

func (p *profilePersister) Insert(ctx context.Context, a dispatch.Aggregate) error {
	prof, ok := a.(*Profile)
	if !ok {
		return fmt.Errorf("profile persister: unexpected aggregate %T", a)
	}
	meds, err := json.Marshal(prof.Medications)
	if err != nil {
		return fmt.Errorf("encode profile medications: %w", err)
	}
	_, err = p.repo.conn(ctx).Exec(ctx,
		`INSERT INTO medication_profile (`+profileColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		prof.ID, prof.AppID, prof.TenantID, prof.PatientID, meds,
		prof.CreatedAt, prof.CreatedBy, prof.UpdatedAt, prof.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert medication profile: %w", err)
	}
	return nil
}

func (p *profilePersister) Update(ctx context.Context, a dispatch.Aggregate) error {
	prof, ok := a.(*Profile)
	if !ok {
		return fmt.Errorf("profile persister: unexpected aggregate %T", a)
	}
	meds, err := json.Marshal(prof.Medications)
	if err != nil {
		return fmt.Errorf("encode profile medications: %w", err)
	}
	tag, err := p.repo.conn(ctx).Exec(ctx,
		`UPDATE medication_profile SET medications=$2, updated_at=$3, updated_by=$4
		 WHERE id=$1`,
		prof.ID, meds, prof.UpdatedAt, prof.UpdatedBy)
	if err != nil {
		return fmt.Errorf("update medication profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrNotFound
	}
	return nil
}

func (p *profilePersister) Delete(ctx context.Context, a dispatch.Aggregate) error {
	// Profiles are never removed; reconciled rows soft-delete instead.
	return fmt.Errorf("medication profile %s cannot be deleted", a.AggregateID())
}

type extractedPersister struct{ repo *PGRepository }

func (extractedPersister) Kind() string { return ExtractedKind }

func (p *extractedPersister) Insert(ctx context.Context, a dispatch.Aggregate) error {
	ex, ok := a.(*ExtractedMedication)
	if !ok {
		return fmt.Errorf("extracted persister: unexpected aggregate %T", a)
	}
	med, err := json.Marshal(ex.Medication)
	if err != nil {
		return fmt.Errorf("encode extracted medication: %w", err)
	}
	var medispan []byte
	if ex.MedispanMedication != nil {
		if medispan, err = json.Marshal(ex.MedispanMedication); err != nil {
			return fmt.Errorf("encode medispan medication: %w", err)
		}
	}
	_, err = p.repo.conn(ctx).Exec(ctx,
		`INSERT INTO extracted_medication (`+extractedColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		ex.ID, ex.AppID, ex.TenantID, ex.PatientID, ex.DocumentID,
		ex.PageNumber, ex.RunID, ex.Deleted, med,
		ex.MedispanStatus, ex.MedispanID, medispan,
		ex.CreatedAt, ex.CreatedBy, ex.UpdatedAt, ex.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert extracted medication: %w", err)
	}
	return nil
}

func (p *extractedPersister) Update(ctx context.Context, a dispatch.Aggregate) error {
	ex, ok := a.(*ExtractedMedication)
	if !ok {
		return fmt.Errorf("extracted persister: unexpected aggregate %T", a)
	}
	med, err := json.Marshal(ex.Medication)
	if err != nil {
		return fmt.Errorf("encode extracted medication: %w", err)
	}
	var medispan []byte
	if ex.MedispanMedication != nil {
		if medispan, err = json.Marshal(ex.MedispanMedication); err != nil {
			return fmt.Errorf("encode medispan medication: %w", err)
		}
	}
	tag, err := p.repo.conn(ctx).Exec(ctx,
		`UPDATE extracted_medication SET deleted=$2, medication=$3,
		 medispan_status=$4, medispan_id=$5, medispan_medication=$6,
		 updated_at=$7, updated_by=$8 WHERE id=$1`,
		ex.ID, ex.Deleted, med, ex.MedispanStatus, ex.MedispanID, medispan,
		ex.UpdatedAt, ex.UpdatedBy)
	if err != nil {
		return fmt.Errorf("update extracted medication: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrNotFound
	}
	return nil
}

func (p *extractedPersister) Delete(ctx context.Context, a dispatch.Aggregate) error {
	_, err := p.repo.conn(ctx).Exec(ctx,
		`DELETE FROM extracted_medication WHERE id = $1`, a.AggregateID())
	return err
}
