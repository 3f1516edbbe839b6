package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/hiesync/internal/core/domain"
	"github.com/kirillkom/hiesync/internal/core/ports"
)

// FacilityRepository resolves facilities and their owning organization.
// Organization OIDs are derived as <rootOID>.<organization number>.
type FacilityRepository struct {
	db      *sql.DB
	rootOID string
}

var _ ports.FacilityDirectory = (*FacilityRepository)(nil)

func NewFacilityRepository(db *sql.DB, rootOID string) *FacilityRepository {
	return &FacilityRepository{db: db, rootOID: strings.TrimRight(rootOID, ".")}
}

func (r *FacilityRepository) GetFacilityContext(ctx context.Context, tenantID, facilityID string) (domain.FacilityContext, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT f.id, f.tenant_id, f.organization_id, f.name, f.npi,
	o.id, o.tenant_id, o.organization_number, o.name
FROM facilities f
JOIN organizations o ON o.id = f.organization_id
WHERE f.tenant_id = $1 AND f.id = $2
`, tenantID, facilityID)

	var fc domain.FacilityContext
	err := row.Scan(
		&fc.Facility.ID, &fc.Facility.TenantID, &fc.Facility.OrganizationID, &fc.Facility.Name, &fc.Facility.NPI,
		&fc.Organization.ID, &fc.Organization.TenantID, &fc.Organization.NumericID, &fc.Organization.Name,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.FacilityContext{}, domain.WrapError(domain.ErrFacilityNotFound, "get facility context", fmt.Errorf("facility %s", facilityID))
		}
		return domain.FacilityContext{}, fmt.Errorf("scan facility context: %w", err)
	}
	fc.Organization.OID = r.organizationOID(fc.Organization.NumericID)
	return fc, nil
}

func (r *FacilityRepository) organizationOID(number int) string {
	if r.rootOID == "" {
		return fmt.Sprintf("%d", number)
	}
	return fmt.Sprintf("%s.%d", r.rootOID, number)
}
