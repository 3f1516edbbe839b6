package sandbox

import (
	_ "embed"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/hiesync/internal/core/domain"
	"github.com/kirillkom/hiesync/internal/core/ports"
)

//go:embed fixtures/documents.yaml
var defaultFixture []byte

type fixture struct {
	Documents []domain.CanonicalDocumentReference `yaml:"documents"`
}

// Documents serves the canned document set used in sandbox mode.
type Documents struct {
	templates []domain.CanonicalDocumentReference
}

var _ ports.SandboxDocuments = (*Documents)(nil)

func New() (*Documents, error) {
	return Parse(defaultFixture)
}

// Parse loads a fixture in the same shape as the embedded one.
func Parse(raw []byte) (*Documents, error) {
	var f fixture
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse sandbox fixture: %w", err)
	}
	if len(f.Documents) == 0 {
		return nil, errors.New("sandbox fixture has no documents")
	}
	for i, doc := range f.Documents {
		if doc.ID == "" || len(doc.Content) == 0 {
			return nil, fmt.Errorf("sandbox document %d: id and content are required", i)
		}
	}
	return &Documents{templates: f.Documents}, nil
}

// ForPatient returns a copy of the set addressed to patientID.
func (d *Documents) ForPatient(patientID string) ([]domain.CanonicalDocumentReference, error) {
	if patientID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "sandbox documents", errors.New("patient id is required"))
	}
	out := make([]domain.CanonicalDocumentReference, 0, len(d.templates))
	for _, tmpl := range d.templates {
		doc := tmpl
		doc.Subject = domain.Reference{Reference: "Patient/" + patientID}
		doc.Content = make([]domain.DocumentContent, len(tmpl.Content))
		for i, c := range tmpl.Content {
			c.Attachment.Title = patientID + "_" + c.Attachment.Title
			doc.Content[i] = c
		}
		out = append(out, doc)
	}
	return out, nil
}
