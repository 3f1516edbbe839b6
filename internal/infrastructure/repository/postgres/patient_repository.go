package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/hiesync/internal/core/domain"
	"github.com/kirillkom/hiesync/internal/core/ports"
)

type PatientRepository struct {
	db *sql.DB
}

var _ ports.PatientRepository = (*PatientRepository)(nil)

func NewPatientRepository(db *sql.DB) *PatientRepository {
	return &PatientRepository{db: db}
}

// Upsert writes the patient's local record. Network identities and query
// status are owned by their own writers and left untouched.
func (r *PatientRepository) Upsert(ctx context.Context, patient *domain.Patient) error {
	facilityIDs, err := json.Marshal(patient.FacilityIDs)
	if err != nil {
		return fmt.Errorf("marshal facility ids: %w", err)
	}
	demographics, err := json.Marshal(patient.Demographics)
	if err != nil {
		return fmt.Errorf("marshal demographics: %w", err)
	}
	now := time.Now().UTC()
	createdAt := patient.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO patients (tenant_id, id, facility_ids, demographics, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (tenant_id, id) DO UPDATE
SET facility_ids = EXCLUDED.facility_ids,
	demographics = EXCLUDED.demographics,
	updated_at = EXCLUDED.updated_at
`, patient.TenantID, patient.ID, facilityIDs, demographics, createdAt, now)
	if err != nil {
		return fmt.Errorf("upsert patient: %w", err)
	}
	return nil
}

func (r *PatientRepository) GetByID(ctx context.Context, tenantID, patientID string) (*domain.Patient, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT p.id, p.tenant_id, p.facility_ids, p.demographics, p.created_at, p.updated_at,
	s.status, s.completed, s.total
FROM patients p
LEFT JOIN document_query_status s ON s.tenant_id = p.tenant_id AND s.patient_id = p.id
WHERE p.tenant_id = $1 AND p.id = $2
`, tenantID, patientID)

	var (
		patient         domain.Patient
		facilityIDsRaw  []byte
		demographicsRaw []byte
		status          sql.NullString
		completed       sql.NullInt64
		total           sql.NullInt64
	)
	err := row.Scan(
		&patient.ID, &patient.TenantID, &facilityIDsRaw, &demographicsRaw, &patient.CreatedAt, &patient.UpdatedAt,
		&status, &completed, &total,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrPatientNotFound, "get patient", fmt.Errorf("patient %s", patientID))
		}
		return nil, fmt.Errorf("scan patient: %w", err)
	}
	if err := json.Unmarshal(facilityIDsRaw, &patient.FacilityIDs); err != nil {
		return nil, fmt.Errorf("unmarshal facility ids: %w", err)
	}
	if err := json.Unmarshal(demographicsRaw, &patient.Demographics); err != nil {
		return nil, fmt.Errorf("unmarshal demographics: %w", err)
	}
	if status.Valid {
		patient.QueryStatus = &domain.QueryStatus{
			State:    domain.QueryState(status.String),
			Progress: domain.Progress{Completed: int(completed.Int64), Total: int(total.Int64)},
		}
	}

	identities, err := r.networkIdentities(ctx, tenantID, patientID)
	if err != nil {
		return nil, err
	}
	patient.ExternalData = identities
	return &patient, nil
}

func (r *PatientRepository) networkIdentities(ctx context.Context, tenantID, patientID string) (map[domain.NetworkSource]domain.NetworkIdentity, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT source, remote_patient_id, remote_person_id
FROM patient_network_identities
WHERE tenant_id = $1 AND patient_id = $2
`, tenantID, patientID)
	if err != nil {
		return nil, fmt.Errorf("query network identities: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.NetworkSource]domain.NetworkIdentity)
	for rows.Next() {
		var (
			source   string
			identity domain.NetworkIdentity
			personID sql.NullString
		)
		if err := rows.Scan(&source, &identity.RemotePatientID, &personID); err != nil {
			return nil, fmt.Errorf("scan network identity: %w", err)
		}
		identity.RemotePersonID = personID.String
		out[domain.NetworkSource(source)] = identity
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate network identities: %w", err)
	}
	return out, nil
}

// StoreNetworkIdentity sets the remote patient id on first write. Later
// writes may only add or replace the person id; a different remote patient
// id is rejected with ErrIdentityConflict.
func (r *PatientRepository) StoreNetworkIdentity(
	ctx context.Context,
	tenantID, patientID string,
	source domain.NetworkSource,
	identity domain.NetworkIdentity,
) error {
	if identity.RemotePatientID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "store network identity", errors.New("remote patient id is required"))
	}

	res, err := r.db.ExecContext(ctx, `
INSERT INTO patient_network_identities (tenant_id, patient_id, source, remote_patient_id, remote_person_id, updated_at)
VALUES ($1,$2,$3,$4,NULLIF($5, ''),$6)
ON CONFLICT (tenant_id, patient_id, source) DO UPDATE
SET remote_person_id = COALESCE(EXCLUDED.remote_person_id, patient_network_identities.remote_person_id),
	updated_at = EXCLUDED.updated_at
WHERE patient_network_identities.remote_patient_id = EXCLUDED.remote_patient_id
`, tenantID, patientID, string(source), identity.RemotePatientID, identity.RemotePersonID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store network identity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store network identity rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrIdentityConflict, "store network identity",
			fmt.Errorf("patient %s already registered on %s with a different remote patient id", patientID, source))
	}
	return nil
}
