package commonwell

import (
	"encoding/json"
	"strings"

	"github.com/kirillkom/hiesync/internal/core/domain"
)

const (
	resourceDocumentReference = "DocumentReference"
	resourceOperationOutcome  = "OperationOutcome"
)

type halLink struct {
	Href string `json:"href"`
}

func (l *halLink) href() string {
	if l == nil {
		return ""
	}
	return l.Href
}

type patientResource struct {
	ID         string               `json:"id,omitempty"`
	Identifier []domain.Identifier  `json:"identifier,omitempty"`
	Details    domain.RemoteDetails `json:"details"`
	Links      struct {
		Self *halLink `json:"self,omitempty"`
	} `json:"_links"`
}

func (p patientResource) toDomain() domain.RegisteredPatient {
	self := p.Links.Self.href()
	id := p.ID
	if id == "" {
		id = trailingID(self)
	}
	return domain.RegisteredPatient{ID: id, SelfLink: self}
}

type personResource struct {
	ID       string               `json:"id,omitempty"`
	Enrolled bool                 `json:"enrolled"`
	Details  domain.RemoteDetails `json:"details"`
	Links    struct {
		Self *halLink `json:"self,omitempty"`
	} `json:"_links"`
}

func (p personResource) toDomain() domain.RemotePerson {
	id := p.ID
	if id == "" {
		id = trailingID(p.Links.Self.href())
	}
	return domain.RemotePerson{ID: id, Details: p.Details, Enrolled: p.Enrolled}
}

type personSearchResponse struct {
	Embedded struct {
		Person []personResource `json:"person"`
	} `json:"_embedded"`
}

func (r personSearchResponse) toDomain() []domain.RemotePerson {
	out := make([]domain.RemotePerson, 0, len(r.Embedded.Person))
	for _, p := range r.Embedded.Person {
		out = append(out, p.toDomain())
	}
	return out
}

type patientLinkResource struct {
	Patient        string `json:"patient"`
	AssuranceLevel string `json:"assuranceLevel"`
}

func (l patientLinkResource) toDomain() domain.PatientLink {
	return domain.PatientLink{PatientRef: l.Patient, Trust: domain.ParseTrustLevel(l.AssuranceLevel)}
}

type patientLinkList struct {
	Embedded struct {
		PatientLink []patientLinkResource `json:"patientLink"`
	} `json:"_embedded"`
}

type patientLinkRequest struct {
	Patient    string             `json:"patient"`
	Identifier *domain.Identifier `json:"identifier,omitempty"`
}

type networkLinkResource struct {
	AssuranceLevel string `json:"assuranceLevel"`
	Links          struct {
		Patient *halLink `json:"patient,omitempty"`
		Upgrade *halLink `json:"upgrade,omitempty"`
	} `json:"_links"`
}

type networkLinkList struct {
	Embedded struct {
		NetworkLink []networkLinkResource `json:"networkLink"`
	} `json:"_embedded"`
}

type networkLinkUpgrade struct {
	ProposedLOLA string `json:"proposedLola"`
}

type documentBundle struct {
	Entry []struct {
		Content json.RawMessage `json:"content"`
	} `json:"entry"`
}

type documentReferenceResource struct {
	ResourceType     string `json:"resourceType"`
	ID               string `json:"id"`
	MasterIdentifier *struct {
		System string `json:"system"`
		Value  string `json:"value"`
	} `json:"masterIdentifier"`
	Location    string                  `json:"location"`
	MimeType    string                  `json:"mimeType"`
	Size        *int64                  `json:"size"`
	Description string                  `json:"description"`
	Status      string                  `json:"status"`
	Indexed     string                  `json:"indexed"`
	Type        *domain.CodeableConcept `json:"type"`
}

func (d documentReferenceResource) toDomain(raw json.RawMessage) domain.RemoteDocumentReference {
	doc := domain.RemoteDocumentReference{
		ID:          d.ID,
		Location:    d.Location,
		MimeType:    d.MimeType,
		Size:        d.Size,
		Description: d.Description,
		Status:      d.Status,
		Indexed:     d.Indexed,
		Type:        d.Type,
		Raw:         raw,
	}
	if d.MasterIdentifier != nil {
		doc.MasterIdentifier = &domain.Identifier{System: d.MasterIdentifier.System, Value: d.MasterIdentifier.Value}
	}
	return doc
}

type operationOutcomeResource struct {
	ID    string `json:"id"`
	Issue []struct {
		Severity string `json:"severity"`
		Code     string `json:"code"`
		Details  *struct {
			Text string `json:"text"`
		} `json:"details"`
	} `json:"issue"`
}

func (o operationOutcomeResource) toDomain() domain.OperationOutcome {
	out := domain.OperationOutcome{ID: o.ID}
	var details []string
	for _, issue := range o.Issue {
		out.Issues = append(out.Issues, strings.TrimSpace(issue.Severity+" "+issue.Code))
		if issue.Details != nil && issue.Details.Text != "" {
			details = append(details, issue.Details.Text)
		}
	}
	out.Details = strings.Join(details, "; ")
	return out
}
