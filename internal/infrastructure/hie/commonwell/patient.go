package commonwell

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/kirillkom/hiesync/internal/core/domain"
)

func (c *Client) RegisterPatient(ctx context.Context, patient domain.RemotePatient) (domain.RegisteredPatient, error) {
	var resp patientResource
	if err := c.call(ctx, "register_patient", http.MethodPost, c.orgPath("patient"), patient, &resp); err != nil {
		return domain.RegisteredPatient{}, err
	}
	return resp.toDomain(), nil
}

func (c *Client) UpdatePatient(ctx context.Context, patient domain.RemotePatient, remotePatientID string) (domain.RegisteredPatient, error) {
	var resp patientResource
	target := c.orgPath("patient", pathEscape(remotePatientID))
	if err := c.call(ctx, "update_patient", http.MethodPost, target, patient, &resp); err != nil {
		return domain.RegisteredPatient{}, err
	}
	registered := resp.toDomain()
	if registered.ID == "" {
		registered.ID = remotePatientID
	}
	return registered, nil
}

func (c *Client) DeletePatient(ctx context.Context, remotePatientID string) error {
	return c.call(ctx, "delete_patient", http.MethodDelete, c.orgPath("patient", pathEscape(remotePatientID)), nil, nil)
}

// FindPerson searches by each strong identifier first and falls back to the
// patient-demographics match of the registered patient.
func (c *Client) FindPerson(ctx context.Context, patient domain.RemotePatient, remotePatientID string) ([]domain.RemotePerson, error) {
	for _, id := range patient.Details.Identifier {
		if id.Value == "" || id.System == "" {
			continue
		}
		query := url.Values{"key": {id.Value}, "system": {id.System}}
		var resp personSearchResponse
		if err := c.call(ctx, "search_person", http.MethodGet, "/v1/person?"+query.Encode(), nil, &resp); err != nil {
			return nil, err
		}
		if persons := resp.toDomain(); len(persons) > 0 {
			return persons, nil
		}
	}

	var resp personSearchResponse
	target := c.orgPath("patient", pathEscape(remotePatientID), "person")
	if err := c.call(ctx, "search_person_by_patient", http.MethodGet, target, nil, &resp); err != nil {
		return nil, err
	}
	return resp.toDomain(), nil
}

func (c *Client) EnrollPerson(ctx context.Context, person domain.RemotePerson) (domain.RemotePerson, error) {
	var resp personResource
	if err := c.call(ctx, "enroll_person", http.MethodPost, "/v1/person", person, &resp); err != nil {
		return domain.RemotePerson{}, err
	}
	return resp.toDomain(), nil
}

func (c *Client) UpdatePerson(ctx context.Context, person domain.RemotePerson, personID string) (domain.RemotePerson, error) {
	var resp personResource
	if err := c.call(ctx, "update_person", http.MethodPatch, "/v1/person/"+pathEscape(personID), person, &resp); err != nil {
		return domain.RemotePerson{}, err
	}
	updated := resp.toDomain()
	if updated.ID == "" {
		updated.ID = personID
	}
	return updated, nil
}

func (c *Client) ReenrollPerson(ctx context.Context, personID string) (domain.RemotePerson, error) {
	var resp personResource
	if err := c.call(ctx, "reenroll_person", http.MethodPut, "/v1/person/"+pathEscape(personID)+"/enroll", nil, &resp); err != nil {
		return domain.RemotePerson{}, err
	}
	person := resp.toDomain()
	if person.ID == "" {
		person.ID = personID
	}
	return person, nil
}

func (c *Client) GetPatientLinks(ctx context.Context, personID string) ([]domain.PatientLink, error) {
	var resp patientLinkList
	if err := c.call(ctx, "get_patient_links", http.MethodGet, "/v1/person/"+pathEscape(personID)+"/patientLink", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.PatientLink, 0, len(resp.Embedded.PatientLink))
	for _, l := range resp.Embedded.PatientLink {
		out = append(out, l.toDomain())
	}
	return out, nil
}

func (c *Client) AddOrUpgradePatientLink(ctx context.Context, personID, patientRefLink string, proof *domain.Identifier) (domain.PatientLink, error) {
	var resp patientLinkResource
	body := patientLinkRequest{Patient: patientRefLink, Identifier: proof}
	if err := c.call(ctx, "add_patient_link", http.MethodPost, "/v1/person/"+pathEscape(personID)+"/patientLink", body, &resp); err != nil {
		return domain.PatientLink{}, err
	}
	link := resp.toDomain()
	if link.PatientRef == "" {
		link.PatientRef = patientRefLink
	}
	return link, nil
}

func (c *Client) ListNetworkLinks(ctx context.Context, remotePatientID string) ([]domain.NetworkLink, error) {
	var resp networkLinkList
	target := c.orgPath("patient", pathEscape(remotePatientID), "networkLink")
	if err := c.call(ctx, "list_network_links", http.MethodGet, target, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.NetworkLink, 0, len(resp.Embedded.NetworkLink))
	for _, l := range resp.Embedded.NetworkLink {
		out = append(out, domain.NetworkLink{
			PatientRef: l.Links.Patient.href(),
			Trust:      domain.ParseTrustLevel(l.AssuranceLevel),
			UpgradeRef: l.Links.Upgrade.href(),
		})
	}
	return out, nil
}

// UpgradeNetworkLink proposes LOLA2 for a LOLA1 link through its upgrade href.
func (c *Client) UpgradeNetworkLink(ctx context.Context, link domain.NetworkLink) error {
	if link.UpgradeRef == "" {
		return &domain.NetworkError{
			Kind:      domain.KindFatal,
			Operation: "upgrade_network_link",
			Err:       domain.WrapError(domain.ErrInvalidInput, "upgrade network link", errors.New("link has no upgrade reference")),
		}
	}
	body := networkLinkUpgrade{ProposedLOLA: domain.TrustLevel2.String()}
	return c.call(ctx, "upgrade_network_link", http.MethodPost, link.UpgradeRef, body, nil)
}
