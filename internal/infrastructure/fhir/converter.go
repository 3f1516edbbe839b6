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

// Converter turns CDA/XML markup into a FHIR bundle through the converter
// service.
type Converter struct {
	http httpDoer
}

var _ ports.DocumentConverter = (*Converter)(nil)

func NewConverter(baseURL string, timeout time.Duration, executor *resilience.Executor) *Converter {
	return &Converter{http: newHTTPDoer("fhir_converter", baseURL, timeout, executor)}
}

func (c *Converter) Convert(ctx context.Context, patientID, rawMarkup string) ([]byte, error) {
	if rawMarkup == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "convert document", errors.New("empty markup"))
	}
	query := url.Values{"patientId": {patientID}}
	out, err := c.http.do(ctx, "convert", http.MethodPost, "/api/convert/cda?"+query.Encode(), "text/xml", []byte(rawMarkup))
	if err != nil {
		return nil, err
	}

	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(out, &head); err != nil {
		return nil, fmt.Errorf("decode converter response: %w", err)
	}
	if head.ResourceType != "Bundle" {
		return nil, fmt.Errorf("converter returned %q, want Bundle", head.ResourceType)
	}
	return out, nil
}
