package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/hiesync/internal/core/domain"
	"github.com/kirillkom/hiesync/internal/core/ports"
)

type QueryStatusRepository struct {
	db *sql.DB
}

var _ ports.QueryStatusStore = (*QueryStatusRepository)(nil)

func NewQueryStatusRepository(db *sql.DB) *QueryStatusRepository {
	return &QueryStatusRepository{db: db}
}

func (r *QueryStatusRepository) StartQuery(ctx context.Context, tenantID, patientID string, total int) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO document_query_status (tenant_id, patient_id, status, completed, total, updated_at)
VALUES ($1,$2,$3,0,$4,$5)
ON CONFLICT (tenant_id, patient_id) DO UPDATE
SET status = EXCLUDED.status, completed = 0, total = EXCLUDED.total, updated_at = EXCLUDED.updated_at
`, tenantID, patientID, string(domain.QueryStateProcessing), total, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("start document query: %w", err)
	}
	return nil
}

// IncrementProgress is a single atomic statement so concurrent documents
// never overwrite each other's progress.
func (r *QueryStatusRepository) IncrementProgress(ctx context.Context, tenantID, patientID string) (domain.QueryStatus, error) {
	row := r.db.QueryRowContext(ctx, `
UPDATE document_query_status
SET completed = LEAST(completed + 1, total), updated_at = $3
WHERE tenant_id = $1 AND patient_id = $2
RETURNING status, completed, total
`, tenantID, patientID, time.Now().UTC())

	status, err := scanQueryStatus(row)
	if err != nil {
		return domain.QueryStatus{}, fmt.Errorf("increment document query progress: %w", err)
	}
	return status, nil
}

func (r *QueryStatusRepository) CompleteQuery(ctx context.Context, tenantID, patientID string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO document_query_status (tenant_id, patient_id, status, completed, total, updated_at)
VALUES ($1,$2,$3,0,0,$4)
ON CONFLICT (tenant_id, patient_id) DO UPDATE
SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
`, tenantID, patientID, string(domain.QueryStateCompleted), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("complete document query: %w", err)
	}
	return nil
}

func (r *QueryStatusRepository) GetQueryStatus(ctx context.Context, tenantID, patientID string) (domain.QueryStatus, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT status, completed, total
FROM document_query_status
WHERE tenant_id = $1 AND patient_id = $2
`, tenantID, patientID)

	status, err := scanQueryStatus(row)
	if err != nil {
		return domain.QueryStatus{}, fmt.Errorf("get document query status: %w", err)
	}
	return status, nil
}

func scanQueryStatus(row *sql.Row) (domain.QueryStatus, error) {
	var (
		state  string
		status domain.QueryStatus
	)
	if err := row.Scan(&state, &status.Progress.Completed, &status.Progress.Total); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.QueryStatus{}, domain.WrapError(domain.ErrPatientNotFound, "document query status", errors.New("no document query recorded"))
		}
		return domain.QueryStatus{}, fmt.Errorf("scan document query status: %w", err)
	}
	status.State = domain.QueryState(state)
	return status, nil
}
