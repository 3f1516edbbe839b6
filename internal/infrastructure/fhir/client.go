package fhir

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/hiesync/internal/infrastructure/resilience"
)

const contentTypeFHIR = "application/fhir+json"

// httpDoer is the retrying request path shared by the converter and the
// canonical store.
type httpDoer struct {
	name       string
	baseURL    string
	httpClient *http.Client
	executor   *resilience.Executor
}

func newHTTPDoer(name, baseURL string, timeout time.Duration, executor *resilience.Executor) httpDoer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return httpDoer{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		executor:   executor,
	}
}

// do sends body (replayed on every attempt) and returns the response body.
func (d httpDoer) do(ctx context.Context, operation, method, path, contentType string, body []byte) ([]byte, error) {
	var out []byte
	call := func(callCtx context.Context) error {
		req, err := http.NewRequestWithContext(callCtx, method, d.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create %s request: %w", operation, err)
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Accept", contentTypeFHIR+", application/json")

		resp, err := d.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s request: %w", d.name, operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return &HTTPStatusError{
				Service:    d.name,
				Operation:  operation,
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
				Body:       string(raw),
			}
		}
		out, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read %s response: %w", operation, err)
		}
		return nil
	}

	var err error
	if d.executor != nil {
		err = d.executor.Execute(ctx, d.name+"."+operation, call, resilience.ClassifyRemote)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, wrapTemporaryIfNeeded(d.name+" "+operation, err)
	}
	return out, nil
}
