package usecase

import (
	"strings"

	"github.com/kirillkom/hiesync/internal/core/domain"
)

const (
	systemSSN            = "http://hl7.org/fhir/sid/us-ssn"
	systemDriversLicense = "urn:oid:2.16.840.1.113883.4.3"
	systemPassport       = "urn:oid:2.16.840.1.113883.4.330"
)

// remotePatientFromLocal builds the network identity payload from local
// demographics and the owning facility's context. The local patient id is
// registered as an identifier in the organization's system.
func remotePatientFromLocal(patient *domain.Patient, fc domain.FacilityContext) domain.RemotePatient {
	demo := patient.Demographics

	details := domain.RemoteDetails{
		Names: []domain.RemoteName{{
			Given:  splitNames(demo.FirstName),
			Family: splitNames(demo.LastName),
			Use:    "official",
		}},
		Gender:     genderCode(demo.GenderAtBirth),
		BirthDate:  demo.DOB,
		Identifier: strongIDs(demo.PersonalIDs),
	}
	for _, addr := range demo.Addresses {
		details.Addresses = append(details.Addresses, domain.RemoteAddress{
			Lines:   addr.Lines,
			City:    addr.City,
			State:   addr.State,
			Zip:     addr.Zip,
			Country: addr.Country,
		})
	}
	for _, c := range demo.Contacts {
		if c.Phone != "" {
			details.Telecom = append(details.Telecom, domain.RemoteTelecom{System: "phone", Value: c.Phone})
		}
		if c.Email != "" {
			details.Telecom = append(details.Telecom, domain.RemoteTelecom{System: "email", Value: c.Email})
		}
	}

	return domain.RemotePatient{
		Identifiers: []domain.Identifier{{
			System: fc.Organization.OID,
			Value:  patient.ID,
			Use:    "unspecified",
			Label:  fc.Organization.Name,
		}},
		Details: details,
		Organization: domain.RemoteOrganization{
			Name: fc.Organization.Name,
			OID:  fc.Organization.OID,
		},
		FacilityNPI: fc.Facility.NPI,
	}
}

// personFromPatient builds the Person payload used to enroll or update a Person.
func personFromPatient(patient domain.RemotePatient) domain.RemotePerson {
	details := patient.Details
	details.Identifier = append([]domain.Identifier(nil), patient.Details.Identifier...)
	return domain.RemotePerson{Details: details}
}

func strongIDs(ids []domain.PersonalIdentifier) []domain.Identifier {
	var out []domain.Identifier
	for _, id := range ids {
		value := strings.TrimSpace(id.Value)
		if value == "" {
			continue
		}
		switch strings.ToLower(id.Type) {
		case "ssn":
			out = append(out, domain.Identifier{System: systemSSN, Value: value, Use: "usual"})
		case "driverslicense", "drivers_license", "dl":
			out = append(out, domain.Identifier{System: systemDriversLicense, Value: value, Use: "usual", Label: strings.ToUpper(id.State)})
		case "passport":
			out = append(out, domain.Identifier{System: systemPassport, Value: value, Use: "usual"})
		}
	}
	return out
}

func splitNames(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func genderCode(raw string) string {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "M", "MALE":
		return "M"
	case "F", "FEMALE":
		return "F"
	default:
		return "UN"
	}
}
