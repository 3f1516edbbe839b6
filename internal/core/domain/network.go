package domain

import (
	"strconv"
	"strings"
)

// TrustLevel is the level of assurance (LOLA) of a Patient<>Person link.
type TrustLevel int

const (
	TrustUnknown TrustLevel = 0
	TrustLevel1  TrustLevel = 1
	TrustLevel2  TrustLevel = 2
	TrustLevel3  TrustLevel = 3
	TrustLevel4  TrustLevel = 4

	// TrustThreshold is the lowest level considered a verified link.
	TrustThreshold = TrustLevel3
)

// ParseTrustLevel accepts "3", "LOLA3", "lola_3" and similar forms.
func ParseTrustLevel(raw string) TrustLevel {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "lola")
	s = strings.TrimLeft(s, "_- ")
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 4 {
		return TrustUnknown
	}
	return TrustLevel(n)
}

func (l TrustLevel) String() string {
	if l == TrustUnknown {
		return ""
	}
	return strconv.Itoa(int(l))
}

func (l TrustLevel) AtLeast(other TrustLevel) bool {
	return l >= other
}

// Identifier is a (system, value) pair. Strong identifiers are usable as
// proof when linking a Patient to a Person.
type Identifier struct {
	System string `json:"system"`
	Value  string `json:"key"`
	Use    string `json:"use,omitempty"`
	Label  string `json:"label,omitempty"`
}

func (i Identifier) Matches(other Identifier) bool {
	return i.System == other.System && i.Value == other.Value
}

// MatchingStrongIDs intersects two identifier sets on (system, value),
// keeping the order of a.
func MatchingStrongIDs(a, b []Identifier) []Identifier {
	var out []Identifier
	for _, left := range a {
		if left.Value == "" {
			continue
		}
		for _, right := range b {
			if left.Matches(right) {
				out = append(out, left)
				break
			}
		}
	}
	return out
}

type RemoteName struct {
	Given  []string `json:"given"`
	Family []string `json:"family"`
	Use    string   `json:"use,omitempty"`
}

type RemoteAddress struct {
	Lines   []string `json:"line"`
	City    string   `json:"city"`
	State   string   `json:"state"`
	Zip     string   `json:"zip"`
	Country string   `json:"country,omitempty"`
}

type RemoteTelecom struct {
	System string `json:"system"`
	Value  string `json:"value"`
}

type RemoteDetails struct {
	Names      []RemoteName    `json:"name"`
	Gender     string          `json:"gender"`
	BirthDate  string          `json:"birthDate"`
	Addresses  []RemoteAddress `json:"address"`
	Telecom    []RemoteTelecom `json:"telecom,omitempty"`
	Identifier []Identifier    `json:"identifier,omitempty"`
}

// RemoteOrganization is the managing organization sent with each patient.
type RemoteOrganization struct {
	Name string `json:"display"`
	OID  string `json:"reference"`
}

// RemotePatient is the identity payload registered on the network.
type RemotePatient struct {
	Identifiers  []Identifier       `json:"identifier"`
	Details      RemoteDetails      `json:"details"`
	Organization RemoteOrganization `json:"managingOrganization"`
	FacilityNPI  string             `json:"-"`
}

// RegisteredPatient is the network's answer to register/update patient.
type RegisteredPatient struct {
	ID       string
	SelfLink string
}

// RemotePerson represents the real-world individual on the network.
type RemotePerson struct {
	ID       string        `json:"-"`
	Details  RemoteDetails `json:"details"`
	Enrolled bool          `json:"enrolled"`
}

// PatientLink is a Person<>Patient link as reported by the network.
type PatientLink struct {
	PatientRef string
	Trust      TrustLevel
}

// NetworkLink is a link between the patient and patients at other
// organizations on the network.
type NetworkLink struct {
	PatientRef string
	Trust      TrustLevel
	UpgradeRef string
}

// OperationOutcome is an error entry returned inside a document query.
type OperationOutcome struct {
	ID      string   `json:"id,omitempty"`
	Issues  []string `json:"issue,omitempty"`
	Details string   `json:"details,omitempty"`
}
