package operation

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

const operationColumns = `id, app_id, tenant_id, patient_id, document_id, operation_type,
	steps, page_count, priority, enabled, created_at, created_by, updated_at, updated_by`

const instanceColumns = `id, app_id, tenant_id, patient_id, document_id, operation_id,
	operation_type, status, priority, attempt, run_id, steps, page_count,
	started_at, finished_at, failure_reason, created_at, created_by, updated_at, updated_by`

const logColumns = `id, app_id, tenant_id, patient_id, document_id, instance_id,
	step_id, page_number, status, result, step_context, error,
	started_at, finished_at, elapsed_ms,
	created_at, created_by, updated_at, updated_by`

func (r *PGRepository) GetOperation(ctx context.Context, id uuid.UUID) (*Operation, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+operationColumns+` FROM document_operation WHERE id = $1`, id)
	return scanOperation(row)
}

func (r *PGRepository) GetOperationByDocument(ctx context.Context, documentID uuid.UUID, operationType string) (*Operation, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+operationColumns+` FROM document_operation
		 WHERE document_id = $1 AND operation_type = $2`, documentID, operationType)
	return scanOperation(row)
}

func scanOperation(row pgx.Row) (*Operation, error) {
	var op Operation
	err := row.Scan(&op.ID, &op.AppID, &op.TenantID, &op.PatientID, &op.DocumentID,
		&op.OperationType, &op.Steps, &op.PageCount, &op.Priority, &op.Enabled,
		&op.CreatedAt, &op.CreatedBy, &op.UpdatedAt, &op.UpdatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dispatch.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (r *PGRepository) GetInstance(ctx context.Context, id uuid.UUID) (*Instance, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM document_operation_instance WHERE id = $1`, id)
	return scanInstance(row)
}

func (r *PGRepository) ListInstancesByDocument(ctx context.Context, documentID uuid.UUID) ([]*Instance, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+instanceColumns+` FROM document_operation_instance
		 WHERE document_id = $1 ORDER BY created_at`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func scanInstance(row pgx.Row) (*Instance, error) {
	var inst Instance
	err := row.Scan(&inst.ID, &inst.AppID, &inst.TenantID, &inst.PatientID,
		&inst.DocumentID, &inst.OperationID, &inst.OperationType, &inst.Status,
		&inst.Priority, &inst.Attempt, &inst.RunID, &inst.Steps, &inst.PageCount,
		&inst.StartedAt, &inst.FinishedAt, &inst.FailureReason,
		&inst.CreatedAt, &inst.CreatedBy, &inst.UpdatedAt, &inst.UpdatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dispatch.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (r *PGRepository) GetCompletedLog(ctx context.Context, documentID, instanceID uuid.UUID, stepID string, pageNumber int) (*InstanceLog, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+logColumns+` FROM document_operation_instance_log
		 WHERE document_id = $1 AND instance_id = $2 AND step_id = $3
		   AND page_number = $4 AND status = $5`,
		documentID, instanceID, stepID, pageNumber, "COMPLETED")
	return scanLog(row)
}

func (r *PGRepository) ListLogsByInstance(ctx context.Context, instanceID uuid.UUID) ([]*InstanceLog, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+logColumns+` FROM document_operation_instance_log
		 WHERE instance_id = $1 ORDER BY created_at`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list instance logs: %w", err)
	}
	defer rows.Close()

	var out []*InstanceLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLog(row pgx.Row) (*InstanceLog, error) {
	var l InstanceLog
	var stepContext []byte
	err := row.Scan(&l.ID, &l.AppID, &l.TenantID, &l.PatientID, &l.DocumentID,
		&l.InstanceID, &l.StepID, &l.PageNumber, &l.Status, &l.Result,
		&stepContext, &l.Error,
		&l.StartedAt, &l.FinishedAt, &l.ElapsedMS,
		&l.CreatedAt, &l.CreatedBy, &l.UpdatedAt, &l.UpdatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dispatch.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(stepContext) > 0 {
		if err := json.Unmarshal(stepContext, &l.Context); err != nil {
			return nil, fmt.Errorf("decode step context: %w", err)
		}
	}
	return &l, nil
}

// ---------------------------------------------------------------------------
// Persisters
// ---------------------------------------------------------------------------

// Persisters returns the aggregate persisters this repository backs, for
// registration with the unit of work.
func (r *PGRepository) Persisters() []dispatch.Persister {
	return []dispatch.Persister{
		&operationPersister{repo: r},
		&instancePersister{repo: r},
		&logPersister{repo: r},
	}
}

type operationPersister struct{ repo *PGRepository }

func (operationPersister) Kind() string { return OperationKind }

func (p *operationPersister) Insert(ctx context.Context, a dispatch.Aggregate) error {
	op, ok := a.(*Operation)
	if !ok {
		return fmt.Errorf("operation persister: unexpected aggregate %T", a)
	}
	_, err := p.repo.conn(ctx).Exec(ctx,
		`INSERT INTO document_operation (`+operationColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		op.ID, op.AppID, op.TenantID, op.PatientID, op.DocumentID,
		op.OperationType, op.Steps, op.PageCount, op.Priority, op.Enabled,
		op.CreatedAt, op.CreatedBy, op.UpdatedAt, op.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

func (p *operationPersister) Update(ctx context.Context, a dispatch.Aggregate) error {
	op, ok := a.(*Operation)
	if !ok {
		return fmt.Errorf("operation persister: unexpected aggregate %T", a)
	}
	tag, err := p.repo.conn(ctx).Exec(ctx,
		`UPDATE document_operation SET steps=$2, page_count=$3, priority=$4,
		 enabled=$5, updated_at=$6, updated_by=$7 WHERE id=$1`,
		op.ID, op.Steps, op.PageCount, op.Priority, op.Enabled,
		op.UpdatedAt, op.UpdatedBy)
	if err != nil {
		return fmt.Errorf("update operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrNotFound
	}
	return nil
}

func (p *operationPersister) Delete(ctx context.Context, a dispatch.Aggregate) error {
	_, err := p.repo.conn(ctx).Exec(ctx,
		`DELETE FROM document_operation WHERE id = $1`, a.AggregateID())
	return err
}

type instancePersister struct{ repo *PGRepository }

func (instancePersister) Kind() string { return InstanceKind }

func (p *instancePersister) Insert(ctx context.Context, a dispatch.Aggregate) error {
	inst, ok := a.(*Instance)
	if !ok {
		return fmt.Errorf("instance persister: unexpected aggregate %T", a)
	}
	_, err := p.repo.conn(ctx).Exec(ctx,
		`INSERT INTO document_operation_instance (`+instanceColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		inst.ID, inst.AppID, inst.TenantID, inst.PatientID, inst.DocumentID,
		inst.OperationID, inst.OperationType, inst.Status, inst.Priority,
		inst.Attempt, inst.RunID, inst.Steps, inst.PageCount,
		inst.StartedAt, inst.FinishedAt, inst.FailureReason,
		inst.CreatedAt, inst.CreatedBy, inst.UpdatedAt, inst.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

func (p *instancePersister) Update(ctx context.Context, a dispatch.Aggregate) error {
	inst, ok := a.(*Instance)
	if !ok {
		return fmt.Errorf("instance persister: unexpected aggregate %T", a)
	}
	tag, err := p.repo.conn(ctx).Exec(ctx,
		`UPDATE document_operation_instance SET status=$2, priority=$3, attempt=$4,
		 started_at=$5, finished_at=$6, failure_reason=$7, updated_at=$8, updated_by=$9
		 WHERE id=$1`,
		inst.ID, inst.Status, inst.Priority, inst.Attempt,
		inst.StartedAt, inst.FinishedAt, inst.FailureReason,
		inst.UpdatedAt, inst.UpdatedBy)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrNotFound
	}
	return nil
}

func (p *instancePersister) Delete(ctx context.Context, a dispatch.Aggregate) error {
	_, err := p.repo.conn(ctx).Exec(ctx,
		`DELETE FROM document_operation_instance WHERE id = $1`, a.AggregateID())
	return err
}

type logPersister struct{ repo *PGRepository }

func (logPersister) Kind() string { return LogKind }

func (p *logPersister) Insert(ctx context.Context, a dispatch.Aggregate) error {
	l, ok := a.(*InstanceLog)
	if !ok {
		return fmt.Errorf("log persister: unexpected aggregate %T", a)
	}
	stepContext, err := json.Marshal(l.Context)
	if err != nil {
		return fmt.Errorf("encode step context: %w", err)
	}
	// The partial unique index on (document_id, instance_id, step_id,
	// page_number) WHERE status = 'COMPLETED' makes a second completed log a
	// constraint violation rather than silent duplication.
	_, err = p.repo.conn(ctx).Exec(ctx,
		`INSERT INTO document_operation_instance_log (`+logColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		l.ID, l.AppID, l.TenantID, l.PatientID, l.DocumentID, l.InstanceID,
		l.StepID, l.PageNumber, l.Status, l.Result, stepContext, l.Error,
		l.StartedAt, l.FinishedAt, l.ElapsedMS,
		l.CreatedAt, l.CreatedBy, l.UpdatedAt, l.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert instance log: %w", err)
	}
	return nil
}

func (p *logPersister) Update(ctx context.Context, a dispatch.Aggregate) error {
	l, ok := a.(*InstanceLog)
	if !ok {
		return fmt.Errorf("log persister: unexpected aggregate %T", a)
	}
	stepContext, err := json.Marshal(l.Context)
	if err != nil {
		return fmt.Errorf("encode step context: %w", err)
	}
	tag, err := p.repo.conn(ctx).Exec(ctx,
		`UPDATE document_operation_instance_log SET status=$2, result=$3,
		 step_context=$4, error=$5, updated_at=$6, updated_by=$7 WHERE id=$1`,
		l.ID, l.Status, l.Result, stepContext, l.Error, l.UpdatedAt, l.UpdatedBy)
	if err != nil {
		return fmt.Errorf("update instance log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrNotFound
	}
	return nil
}

func (p *logPersister) Delete(ctx context.Context, a dispatch.Aggregate) error {
	_, err := p.repo.conn(ctx).Exec(ctx,
		`DELETE FROM document_operation_instance_log WHERE id = $1`, a.AggregateID())
	return err
}
