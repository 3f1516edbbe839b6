package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/kirillkom/hiesync/internal/core/domain"
	"github.com/kirillkom/hiesync/internal/core/ports"
	"github.com/kirillkom/hiesync/internal/infrastructure/resilience"
)

// Store upserts canonical resources into the tenant's FHIR partition at
// <base>/<tenantId>.
type Store struct {
	http httpDoer
}

var _ ports.CanonicalStore = (*Store)(nil)

func NewStore(baseURL string, timeout time.Duration, executor *resilience.Executor) *Store {
	return &Store{http: newHTTPDoer("fhir_server", baseURL, timeout, executor)}
}

// UpsertBundle posts the bundle as a transaction.
func (s *Store) UpsertBundle(ctx context.Context, tenantID string, bundle []byte) error {
	if len(bundle) == 0 {
		return domain.WrapError(domain.ErrInvalidInput, "upsert bundle", errors.New("empty bundle"))
	}
	_, err := s.http.do(ctx, "upsert_bundle", http.MethodPost, tenantPath(tenantID), contentTypeFHIR, bundle)
	return err
}

func (s *Store) UpsertDocumentReference(ctx context.Context, tenantID string, doc domain.CanonicalDocumentReference) error {
	if doc.ID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "upsert document reference", errors.New("document id is required"))
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document reference: %w", err)
	}
	path := tenantPath(tenantID) + "/DocumentReference/" + url.PathEscape(doc.ID)
	_, err = s.http.do(ctx, "upsert_document_reference", http.MethodPut, path, contentTypeFHIR, body)
	return err
}

func tenantPath(tenantID string) string {
	return "/" + url.PathEscape(tenantID)
}
