package ports

import (
	"context"
	"io"

	"github.com/kirillkom/hiesync/internal/core/domain"
)

// PatientRepository persists and reads local patients and their network identities.
type PatientRepository interface {
	GetByID(ctx context.Context, tenantID, patientID string) (*domain.Patient, error)
	Upsert(ctx context.Context, patient *domain.Patient) error
	// StoreNetworkIdentity sets the remote patient id (once) and, when
	// non-empty, the remote person id.
	StoreNetworkIdentity(ctx context.Context, tenantID, patientID string, source domain.NetworkSource, identity domain.NetworkIdentity) error
}

// QueryStatusStore persists the per-patient document query status. Increments
// must be atomic against the stored counter.
type QueryStatusStore interface {
	StartQuery(ctx context.Context, tenantID, patientID string, total int) error
	IncrementProgress(ctx context.Context, tenantID, patientID string) (domain.QueryStatus, error)
	CompleteQuery(ctx context.Context, tenantID, patientID string) error
	GetQueryStatus(ctx context.Context, tenantID, patientID string) (domain.QueryStatus, error)
}

// FacilityDirectory resolves the organization/facility context of a patient.
type FacilityDirectory interface {
	GetFacilityContext(ctx context.Context, tenantID, facilityID string) (domain.FacilityContext, error)
}

// NetworkClient is the HIE capability scoped to one organization/facility.
// Failed calls return *domain.NetworkError.
type NetworkClient interface {
	RegisterPatient(ctx context.Context, patient domain.RemotePatient) (domain.RegisteredPatient, error)
	UpdatePatient(ctx context.Context, patient domain.RemotePatient, remotePatientID string) (domain.RegisteredPatient, error)
	DeletePatient(ctx context.Context, remotePatientID string) error

	FindPerson(ctx context.Context, patient domain.RemotePatient, remotePatientID string) ([]domain.RemotePerson, error)
	EnrollPerson(ctx context.Context, person domain.RemotePerson) (domain.RemotePerson, error)
	UpdatePerson(ctx context.Context, person domain.RemotePerson, personID string) (domain.RemotePerson, error)
	ReenrollPerson(ctx context.Context, personID string) (domain.RemotePerson, error)

	GetPatientLinks(ctx context.Context, personID string) ([]domain.PatientLink, error)
	AddOrUpgradePatientLink(ctx context.Context, personID, patientRefLink string, proof *domain.Identifier) (domain.PatientLink, error)
	ListNetworkLinks(ctx context.Context, remotePatientID string) ([]domain.NetworkLink, error)
	UpgradeNetworkLink(ctx context.Context, link domain.NetworkLink) error

	QueryDocuments(ctx context.Context, remotePatientID string) ([]domain.DocumentQueryEntry, error)
	FetchDocumentContent(ctx context.Context, location string) (io.ReadCloser, error)
}

// NetworkClientFactory builds a client for the given organization/facility.
// Clients are not cached across calls.
type NetworkClientFactory interface {
	ForFacility(fc domain.FacilityContext) (NetworkClient, error)
}

// ContentStore stores document artifacts under a content address.
type ContentStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key, contentType string, data io.Reader) (domain.StoredArtifact, error)
	// Location returns the durable location of an existing artifact.
	Location(key string) string
}

// DocumentConverter converts clinical markup into a canonical bundle.
type DocumentConverter interface {
	Convert(ctx context.Context, patientID, rawMarkup string) ([]byte, error)
}

// CanonicalStore upserts canonical resources for a tenant.
type CanonicalStore interface {
	UpsertBundle(ctx context.Context, tenantID string, bundle []byte) error
	UpsertDocumentReference(ctx context.Context, tenantID string, doc domain.CanonicalDocumentReference) error
}

// StatusSink delivers the terminal document notification to the tenant.
type StatusSink interface {
	NotifyDocumentsReady(ctx context.Context, event domain.DocumentsReady) error
}

// UsageReporter records billable usage.
type UsageReporter interface {
	ReportUsage(ctx context.Context, event domain.UsageEvent) error
}

// ErrorCapturer is the observability sink for errors and warnings that are
// swallowed where they occur.
type ErrorCapturer interface {
	CaptureError(ctx context.Context, err error, extra map[string]any)
	CaptureWarning(ctx context.Context, msg string, extra map[string]any)
}

// SandboxDocuments provides the canned document set used in sandbox mode.
type SandboxDocuments interface {
	ForPatient(patientID string) ([]domain.CanonicalDocumentReference, error)
}

// DocumentSyncObserver receives per-document outcomes of a sync run.
type DocumentSyncObserver interface {
	ObserveDocument(outcome domain.DocumentOutcome)
}
