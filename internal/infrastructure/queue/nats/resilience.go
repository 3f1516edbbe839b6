package nats

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/hiesync/internal/core/domain"
	"github.com/kirillkom/hiesync/internal/infrastructure/resilience"
)

// transientNATSErrors are connection states that clear up once the client
// reconnects or a worker subscribes.
var transientNATSErrors = []error{
	nats.ErrNoServers,
	nats.ErrTimeout,
	nats.ErrConnectionClosed,
	nats.ErrConnectionReconnecting,
	nats.ErrDisconnected,
	nats.ErrNoResponders,
}

func classifyNATSError(err error) resilience.ErrorClassification {
	switch {
	case err == nil:
		return resilience.ErrorClassification{}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return resilience.ErrorClassification{}
	case resilience.IsCircuitOpen(err), isTransientNATSError(err):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	default:
		return resilience.ErrorClassification{RecordFailure: true}
	}
}

func isTransientNATSError(err error) bool {
	for _, transient := range transientNATSErrors {
		if errors.Is(err, transient) {
			return true
		}
	}
	return false
}

// wrapTemporaryIfNeeded tags connection-level failures with ErrTemporary.
func wrapTemporaryIfNeeded(operation string, err error) error {
	if err == nil || domain.IsKind(err, domain.ErrTemporary) || !classifyNATSError(err).Retryable {
		return err
	}
	return domain.WrapError(domain.ErrTemporary, operation, err)
}
