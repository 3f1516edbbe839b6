package domain

import "time"

// NetworkSource names a remote network a patient can be registered with.
type NetworkSource string

const SourceCommonWell NetworkSource = "COMMONWELL"

type LinkStatus string

const (
	LinkStatusLinked      LinkStatus = "linked"
	LinkStatusNeedsReview LinkStatus = "needs-review"
)

// NetworkIdentity is the patient's registration on one remote network.
// RemotePatientID is assigned once and never changed afterwards.
type NetworkIdentity struct {
	RemotePatientID string `json:"patientId"`
	RemotePersonID  string `json:"personId,omitempty"`
}

func (n NetworkIdentity) LinkStatus() LinkStatus {
	if n.RemotePersonID != "" {
		return LinkStatusLinked
	}
	return LinkStatusNeedsReview
}

// GetLinkStatus derives the link status of a patient on the given network.
func GetLinkStatus(p *Patient, source NetworkSource) LinkStatus {
	if p == nil {
		return LinkStatusNeedsReview
	}
	identity, ok := p.Identity(source)
	if !ok {
		return LinkStatusNeedsReview
	}
	return identity.LinkStatus()
}

type Address struct {
	Lines   []string `json:"addressLine"`
	City    string   `json:"city"`
	State   string   `json:"state"`
	Zip     string   `json:"zip"`
	Country string   `json:"country,omitempty"`
}

type Contact struct {
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// PersonalIdentifier is a government or system issued id, e.g. a driver's license.
type PersonalIdentifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
	State string `json:"state,omitempty"`
}

type Demographics struct {
	FirstName     string               `json:"firstName"`
	LastName      string               `json:"lastName"`
	DOB           string               `json:"dob"`
	GenderAtBirth string               `json:"genderAtBirth"`
	Addresses     []Address            `json:"address"`
	Contacts      []Contact            `json:"contact,omitempty"`
	PersonalIDs   []PersonalIdentifier `json:"personalIdentifiers,omitempty"`
}

type Patient struct {
	ID           string                            `json:"id"`
	TenantID     string                            `json:"tenantId"`
	FacilityIDs  []string                          `json:"facilityIds"`
	Demographics Demographics                      `json:"demographics"`
	ExternalData map[NetworkSource]NetworkIdentity `json:"externalData,omitempty"`
	QueryStatus  *QueryStatus                      `json:"documentQueryStatus,omitempty"`
	CreatedAt    time.Time                         `json:"createdAt"`
	UpdatedAt    time.Time                         `json:"updatedAt"`
}

// Identity returns the patient's registration on source. A registration
// without a remote patient id is treated as absent.
func (p *Patient) Identity(source NetworkSource) (NetworkIdentity, bool) {
	if p == nil || p.ExternalData == nil {
		return NetworkIdentity{}, false
	}
	identity, ok := p.ExternalData[source]
	if !ok || identity.RemotePatientID == "" {
		return NetworkIdentity{}, false
	}
	return identity, true
}

// Organization is the tenant-owned organization a facility belongs to.
type Organization struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	NumericID int    `json:"organizationNumber"`
	OID       string `json:"oid"`
	Name      string `json:"name"`
}

type Facility struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenantId"`
	OrganizationID string `json:"organizationId"`
	Name           string `json:"name"`
	NPI            string `json:"npi"`
}

// FacilityContext is the network-scoped context a patient is synced under.
type FacilityContext struct {
	Organization Organization
	Facility     Facility
}

// IdentityOperation is the lifecycle event that triggered an identity sync.
type IdentityOperation string

const (
	OperationCreate IdentityOperation = "create"
	OperationUpdate IdentityOperation = "update"
	OperationDelete IdentityOperation = "delete"
)

func (o IdentityOperation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	default:
		return false
	}
}
