package commonwell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// call runs one JSON request through the limiter and the resilience
// executor and maps failures to *domain.NetworkError.
func (c *Client) call(ctx context.Context, operation, method, target string, payload any, out any) error {
	var reference string
	fn := func(callCtx context.Context) error {
		resp, ref, err := c.send(callCtx, operation, method, target, payload)
		reference = ref
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", operation, err)
		}
		return nil
	}
	return toNetworkError(operation, reference, c.execute(ctx, operation, fn))
}

// stream is call for responses that are handed to the caller unread.
func (c *Client) stream(ctx context.Context, operation, target string) (io.ReadCloser, error) {
	var (
		reference string
		body      io.ReadCloser
	)
	fn := func(callCtx context.Context) error {
		resp, ref, err := c.send(callCtx, operation, http.MethodGet, target, nil)
		reference = ref
		if err != nil {
			return err
		}
		body = resp.Body
		return nil
	}
	if err := c.execute(ctx, operation, fn); err != nil {
		return nil, toNetworkError(operation, reference, err)
	}
	return body, nil
}

func (c *Client) execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	if c.executor != nil {
		return c.executor.Execute(ctx, "commonwell."+operation, fn, classifyCommonWellError)
	}
	return fn(ctx)
}

func (c *Client) send(ctx context.Context, operation, method, target string, payload any) (*http.Response, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, "", fmt.Errorf("commonwell %s throttle: %w", operation, err)
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, "", fmt.Errorf("marshal %s request: %w", operation, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolve(target), body)
	if err != nil {
		return nil, "", fmt.Errorf("create %s request: %w", operation, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set(headerOrgOID, c.orgOID)
	req.Header.Set(headerOrgName, c.orgName)
	if c.facilityNPI != "" {
		req.Header.Set(headerFacilityNPI, c.facilityNPI)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("commonwell %s request: %w", operation, err)
	}
	reference := resp.Header.Get(headerTrace)
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, reference, statusError(operation, resp)
	}
	return resp, reference, nil
}

// resolve accepts both API paths and absolute hrefs returned by the network.
func (c *Client) resolve(target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	return c.baseURL + target
}

func statusError(operation string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &HTTPStatusError{
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(body),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

func pathEscape(s string) string {
	return url.PathEscape(s)
}

func joinPath(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(p)
	}
	return b.String()
}

// trailingID returns the last non-empty path segment of an href.
func trailingID(href string) string {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	segments := strings.Split(strings.TrimRight(u.Path, "/"), "/")
	if len(segments) == 0 {
		return ""
	}
	id, err := url.PathUnescape(segments[len(segments)-1])
	if err != nil {
		return segments[len(segments)-1]
	}
	return id
}
