package ports

import (
	"context"

	"github.com/kirillkom/hiesync/internal/core/domain"
)

// IdentitySynchronizer keeps a patient's network identity consistent with the network.
type IdentitySynchronizer interface {
	Sync(ctx context.Context, patient *domain.Patient, facilityID string, op domain.IdentityOperation) error
}

// DocumentSynchronizer retrieves and stores every document the network exposes for a patient.
type DocumentSynchronizer interface {
	Synchronize(ctx context.Context, patient *domain.Patient, facilityID string, override bool) (int, error)
}

// QueryStatusReader is the read model for document query progress.
type QueryStatusReader interface {
	Get(ctx context.Context, tenantID, patientID string) (domain.QueryStatus, error)
}

// CommandQueue carries sync commands to the worker and serves status reads.
type CommandQueue interface {
	SubscribeIdentitySync(ctx context.Context, handler func(context.Context, IdentitySyncCommand) error) error
	SubscribeDocumentQuery(ctx context.Context, handler func(context.Context, DocumentQueryCommand) error) error
	ServeQueryStatus(ctx context.Context, handler func(context.Context, QueryStatusRequest) (domain.QueryStatus, error)) error
}

type IdentitySyncCommand struct {
	TenantID   string                   `json:"tenantId"`
	PatientID  string                   `json:"patientId"`
	FacilityID string                   `json:"facilityId"`
	Operation  domain.IdentityOperation `json:"operation"`
	// Patient, when present, is the local record as of the event and is
	// persisted before syncing.
	Patient *domain.Patient `json:"patient,omitempty"`
}

type DocumentQueryCommand struct {
	TenantID   string `json:"tenantId"`
	PatientID  string `json:"patientId"`
	FacilityID string `json:"facilityId"`
	Override   bool   `json:"override,omitempty"`
}

type QueryStatusRequest struct {
	TenantID  string `json:"tenantId"`
	PatientID string `json:"patientId"`
}

// QueryStatusReply is what a status request returns to the caller.
type QueryStatusReply struct {
	Status     domain.QueryStatus `json:"status"`
	Processing bool               `json:"processing"`
}
