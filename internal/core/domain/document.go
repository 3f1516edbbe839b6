package domain

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Coding struct {
	System  string `json:"system,omitempty" yaml:"system,omitempty"`
	Code    string `json:"code,omitempty" yaml:"code,omitempty"`
	Display string `json:"display,omitempty" yaml:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty" yaml:"coding,omitempty"`
	Text   string   `json:"text,omitempty" yaml:"text,omitempty"`
}

// RemoteDocumentReference is a document reference as returned by the
// network's document query. Size is nil when the network omits it.
type RemoteDocumentReference struct {
	ID               string           `json:"id,omitempty"`
	MasterIdentifier *Identifier      `json:"masterIdentifier,omitempty"`
	Location         string           `json:"location,omitempty"`
	MimeType         string           `json:"mimeType,omitempty"`
	Size             *int64           `json:"size,omitempty"`
	Description      string           `json:"description,omitempty"`
	Status           string           `json:"status,omitempty"`
	Indexed          string           `json:"indexed,omitempty"`
	Type             *CodeableConcept `json:"type,omitempty"`
	Raw              json.RawMessage  `json:"-"`
}

// DocumentQueryEntry is one item of a document query response: exactly one
// of Document or Outcome is set.
type DocumentQueryEntry struct {
	Document *RemoteDocumentReference
	Outcome  *OperationOutcome
}

// RemoteDocumentRef is a validated document reference, re-fetched on every run.
type RemoteDocumentRef struct {
	PrimaryID        string
	Location         string
	MimeType         string
	SizeBytes        int64
	MasterIdentifier Identifier
	FileName         string
	Description      string
	Status           string
	Indexed          string
	Type             *CodeableConcept
	Raw              json.RawMessage
}

// PrimaryIDFromMasterIdentifier strips OID URN prefixes from a master
// identifier value.
func PrimaryIDFromMasterIdentifier(value string) string {
	v := strings.TrimSpace(value)
	v = strings.TrimPrefix(v, "urn:oid:")
	v = strings.TrimPrefix(v, "urn:uuid:")
	return v
}

// ContentKey is the content address of a document artifact. It depends only
// on the tenant and the document's primary id, and distinct ids never share
// a key.
func ContentKey(tenantID, primaryID string) string {
	return keySegment(tenantID) + "/" + keySegment(primaryID)
}

// keySegment path-escapes s. "%" is escaped as well, so the mapping is
// reversible; dot segments are spelled out so stores never resolve them.
func keySegment(s string) string {
	escaped := url.PathEscape(s)
	if escaped == "." || escaped == ".." {
		return strings.ReplaceAll(escaped, ".", "%2E")
	}
	return escaped
}

func fileNamePart(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ', '?', '#':
			return '_'
		default:
			return r
		}
	}, s)
}

// DocumentFileName builds the file name a document is presented under.
func DocumentFileName(patientID, primaryID, mimeType string) string {
	return fmt.Sprintf("%s_%s%s", patientID, fileNamePart(primaryID), extensionFor(mimeType))
}

func extensionFor(mimeType string) string {
	mediaType := baseMediaType(mimeType)
	switch {
	case mediaType == "":
		return ""
	case IsXMLMediaType(mediaType):
		return ".xml"
	case mediaType == "application/pdf":
		return ".pdf"
	case mediaType == "text/plain":
		return ".txt"
	case mediaType == "application/json", strings.HasSuffix(mediaType, "+json"):
		return ".json"
	}
	exts, err := mime.ExtensionsByType(mediaType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}

func baseMediaType(mimeType string) string {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(mimeType))
	}
	return mediaType
}

// IsXMLMediaType reports whether the declared media type is XML-family and
// therefore eligible for conversion.
func IsXMLMediaType(mimeType string) bool {
	mediaType := baseMediaType(mimeType)
	return mediaType == "application/xml" ||
		mediaType == "text/xml" ||
		strings.HasSuffix(mediaType, "+xml")
}

// StoredArtifact is where a document's content was durably written.
type StoredArtifact struct {
	Key      string
	Location string
}

type Attachment struct {
	ContentType string `json:"contentType,omitempty" yaml:"contentType,omitempty"`
	URL         string `json:"url,omitempty" yaml:"url,omitempty"`
	Size        int64  `json:"size,omitempty" yaml:"size,omitempty"`
	Title       string `json:"title,omitempty" yaml:"title,omitempty"`
	Creation    string `json:"creation,omitempty" yaml:"creation,omitempty"`
}

type DocumentContent struct {
	Attachment Attachment `json:"attachment" yaml:"attachment"`
}

type Reference struct {
	Reference string `json:"reference,omitempty" yaml:"reference,omitempty"`
	Display   string `json:"display,omitempty" yaml:"display,omitempty"`
}

// CanonicalDocumentReference is the normalized DocumentReference persisted
// in the canonical store for every retrieved document.
type CanonicalDocumentReference struct {
	ResourceType     string            `json:"resourceType" yaml:"resourceType"`
	ID               string            `json:"id" yaml:"id"`
	MasterIdentifier *Identifier       `json:"masterIdentifier,omitempty" yaml:"masterIdentifier,omitempty"`
	Status           string            `json:"status,omitempty" yaml:"status,omitempty"`
	Type             *CodeableConcept  `json:"type,omitempty" yaml:"type,omitempty"`
	Subject          Reference         `json:"subject" yaml:"subject"`
	Custodian        *Reference        `json:"custodian,omitempty" yaml:"custodian,omitempty"`
	Description      string            `json:"description,omitempty" yaml:"description,omitempty"`
	Content          []DocumentContent `json:"content" yaml:"content"`
}

// BuildCanonicalDocumentReference points the canonical record at the
// durable artifact location instead of the network location.
func BuildCanonicalDocumentReference(
	ref RemoteDocumentRef,
	artifact StoredArtifact,
	patient *Patient,
	org Organization,
) CanonicalDocumentReference {
	title := ref.FileName
	if title == "" {
		title = artifact.Key
	}
	status := ref.Status
	if status == "" {
		status = "current"
	}
	master := ref.MasterIdentifier
	return CanonicalDocumentReference{
		ResourceType:     "DocumentReference",
		ID:               CanonicalResourceID(ref.PrimaryID),
		MasterIdentifier: &master,
		Status:           status,
		Type:             ref.Type,
		Subject:          Reference{Reference: "Patient/" + patient.ID},
		Custodian:        &Reference{Reference: "Organization/" + org.ID, Display: org.Name},
		Description:      ref.Description,
		Content: []DocumentContent{{
			Attachment: Attachment{
				ContentType: ref.MimeType,
				URL:         artifact.Location,
				Size:        ref.SizeBytes,
				Title:       title,
				Creation:    ref.Indexed,
			},
		}},
	}
}

var canonicalIDNamespace = uuid.MustParse("6f1c2b7e-3d4a-5e8f-9a0b-1c2d3e4f5a6b")

// CanonicalResourceID maps a primary id to a canonical-store-safe id
// ([A-Za-z0-9.-]{1,64}). Ids that already fit are kept; anything else gets a
// readable prefix plus a name-based UUID of the full id.
func CanonicalResourceID(primaryID string) string {
	if isCanonicalID(primaryID) {
		return primaryID
	}
	prefix := strings.Map(func(r rune) rune {
		if isCanonicalIDRune(r) {
			return r
		}
		return '-'
	}, primaryID)
	if len(prefix) > 27 {
		prefix = prefix[len(prefix)-27:]
	}
	id := uuid.NewSHA1(canonicalIDNamespace, []byte(primaryID)).String()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

func isCanonicalID(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, r := range s {
		if !isCanonicalIDRune(r) {
			return false
		}
	}
	return true
}

func isCanonicalIDRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '-'
}

// DocumentDTO is the tenant-facing representation sent with the ready notification.
type DocumentDTO struct {
	ID          string           `json:"id"`
	FileName    string           `json:"fileName"`
	Location    string           `json:"location"`
	Description string           `json:"description,omitempty"`
	Status      string           `json:"status,omitempty"`
	Indexed     string           `json:"indexed,omitempty"`
	MimeType    string           `json:"mimeType,omitempty"`
	Size        int64            `json:"size,omitempty"`
	Type        *CodeableConcept `json:"type,omitempty"`
}

// ToDocumentDTOs drops references that carry no attachment title or url.
func ToDocumentDTOs(docs []CanonicalDocumentReference) []DocumentDTO {
	out := make([]DocumentDTO, 0, len(docs))
	for _, doc := range docs {
		if doc.ID == "" || len(doc.Content) == 0 {
			continue
		}
		att := doc.Content[0].Attachment
		if att.Title == "" || att.URL == "" {
			continue
		}
		out = append(out, DocumentDTO{
			ID:          doc.ID,
			FileName:    att.Title,
			Location:    att.URL,
			Description: doc.Description,
			Status:      doc.Status,
			Indexed:     att.Creation,
			MimeType:    att.ContentType,
			Size:        att.Size,
			Type:        doc.Type,
		})
	}
	return out
}

// DocumentsReady is the terminal notification for a document query run.
type DocumentsReady struct {
	TenantID  string        `json:"tenantId"`
	PatientID string        `json:"patientId"`
	Documents []DocumentDTO `json:"documents"`
	SentAt    time.Time     `json:"sentAt"`
}

// DocumentOutcome is how one document of a run settled.
type DocumentOutcome string

const (
	DocumentStored  DocumentOutcome = "stored"
	DocumentSkipped DocumentOutcome = "skipped"
	DocumentFailed  DocumentOutcome = "failed"
)
