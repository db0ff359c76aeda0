package flags

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) Get(ctx context.Context, appID, tenantID string) (*Flags, error) {
	var f Flags
	err := r.pool.QueryRow(ctx, `
		SELECT app_id, tenant_id, persist_extraction, medication_catalog, strict_value_match
		FROM feature_flag WHERE app_id = $1 AND tenant_id = $2`,
		appID, tenantID,
	).Scan(&f.AppID, &f.TenantID, &f.PersistExtraction, &f.MedicationCatalog, &f.StrictValueMatch)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *repoPG) Upsert(ctx context.Context, f *Flags) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO feature_flag (app_id, tenant_id, persist_extraction, medication_catalog, strict_value_match)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (app_id, tenant_id) DO UPDATE SET
			persist_extraction = EXCLUDED.persist_extraction,
			medication_catalog = EXCLUDED.medication_catalog,
			strict_value_match = EXCLUDED.strict_value_match`,
		f.AppID, f.TenantID, f.PersistExtraction, f.MedicationCatalog, f.StrictValueMatch)
	return err
}
