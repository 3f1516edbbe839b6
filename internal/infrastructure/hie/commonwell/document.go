package commonwell

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/kirillkom/hiesync/internal/core/domain"
)

// QueryDocuments returns every entry of the patient's document query, both
// document references and operation outcomes. Entries of other resource
// types are ignored.
func (c *Client) QueryDocuments(ctx context.Context, remotePatientID string) ([]domain.DocumentQueryEntry, error) {
	query := url.Values{"patient": {remotePatientID}}
	var bundle documentBundle
	if err := c.call(ctx, "query_documents", http.MethodGet, "/v1/documentReference?"+query.Encode(), nil, &bundle); err != nil {
		return nil, err
	}

	entries := make([]domain.DocumentQueryEntry, 0, len(bundle.Entry))
	for i, entry := range bundle.Entry {
		parsed, ok, err := parseEntry(entry.Content)
		if err != nil {
			return nil, toNetworkError("query_documents", "", fmt.Errorf("decode entry %d: %w", i, err))
		}
		if !ok {
			slog.Debug("commonwell_document_entry_ignored", "index", i)
			continue
		}
		entries = append(entries, parsed)
	}
	return entries, nil
}

func parseEntry(raw json.RawMessage) (domain.DocumentQueryEntry, bool, error) {
	if len(raw) == 0 {
		return domain.DocumentQueryEntry{}, false, nil
	}
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return domain.DocumentQueryEntry{}, false, err
	}

	switch head.ResourceType {
	case resourceDocumentReference:
		var doc documentReferenceResource
		if err := json.Unmarshal(raw, &doc); err != nil {
			return domain.DocumentQueryEntry{}, false, err
		}
		converted := doc.toDomain(raw)
		return domain.DocumentQueryEntry{Document: &converted}, true, nil
	case resourceOperationOutcome:
		var outcome operationOutcomeResource
		if err := json.Unmarshal(raw, &outcome); err != nil {
			return domain.DocumentQueryEntry{}, false, err
		}
		converted := outcome.toDomain()
		return domain.DocumentQueryEntry{Outcome: &converted}, true, nil
	default:
		return domain.DocumentQueryEntry{}, false, nil
	}
}

// FetchDocumentContent opens the document body at location. The caller
// closes the returned reader.
func (c *Client) FetchDocumentContent(ctx context.Context, location string) (io.ReadCloser, error) {
	return c.stream(ctx, "fetch_document", location)
}
