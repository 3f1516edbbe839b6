package commonwell

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/hiesync/internal/core/domain"
	"github.com/kirillkom/hiesync/internal/infrastructure/resilience"
)

type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "commonwell status error"
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("commonwell %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("commonwell %s status: %s: %s", e.Operation, e.Status, strings.TrimSpace(e.Body))
}

func (e *HTTPStatusError) HTTPStatus() int { return e.StatusCode }

func (e *HTTPStatusError) RetryAfterHint() time.Duration { return e.RetryAfter }

func classifyCommonWellError(err error) resilience.ErrorClassification {
	return resilience.ClassifyRemote(err)
}

// toNetworkError maps a failed call to the kind call sites branch on.
func toNetworkError(operation, reference string, err error) error {
	if err == nil {
		return nil
	}
	var existing *domain.NetworkError
	if errors.As(err, &existing) {
		return err
	}

	kind := domain.KindFatal
	var statusErr *HTTPStatusError
	switch {
	case errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound:
		kind = domain.KindNotFound
	case classifyCommonWellError(err).Retryable:
		kind = domain.KindTemporary
		err = domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return &domain.NetworkError{
		Kind:      kind,
		Operation: operation,
		Reference: reference,
		Err:       err,
	}
}

// parseRetryAfter reads a Retry-After header given either as seconds or as
// an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
