package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// StatusError is implemented by adapter errors that carry an HTTP status.
type StatusError interface {
	error
	HTTPStatus() int
}

// RetryAfterError is implemented by status errors that carry a server
// Retry-After hint.
type RetryAfterError interface {
	RetryAfterHint() time.Duration
}

// RetryableStatus reports whether a response status is worth another attempt.
func RetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// ClassifyRemote is the classifier shared by the HTTP adapters. Rejections
// (4xx other than 408/429) are final and do not count against the breaker.
func ClassifyRemote(err error) ErrorClassification {
	if err == nil {
		return ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassification{Retryable: false, RecordFailure: false}
	}
	if IsCircuitOpen(err) {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	}

	var statusErr StatusError
	if errors.As(err, &statusErr) {
		if !RetryableStatus(statusErr.HTTPStatus()) {
			return ErrorClassification{Retryable: false, RecordFailure: false}
		}
		class := ErrorClassification{Retryable: true, RecordFailure: true}
		if hinted, ok := statusErr.(RetryAfterError); ok {
			class.RetryAfter = hinted.RetryAfterHint()
		}
		return class
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return ErrorClassification{Retryable: false, RecordFailure: true}
}
