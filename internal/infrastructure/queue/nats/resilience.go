package nats

import (
	"errors"

	"github.com/nats-io/nats.go"

	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
	"github.com/BinkyTwin/reviewxiv/internal/infrastructure/resilience"
)

// connectionErrors clear up once the client reconnects.
var connectionErrors = []error{
	nats.ErrNoServers,
	nats.ErrTimeout,
	nats.ErrConnectionClosed,
	nats.ErrConnectionReconnecting,
	nats.ErrDisconnected,
}

// messageErrors are caused by the job message itself and say nothing about
// broker health.
var messageErrors = []error{
	nats.ErrBadSubject,
	nats.ErrMaxPayload,
}

func classifyNATSError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if class, ok := resilience.ClassifyContext(err); ok {
		return class
	}
	if resilience.IsCircuitOpen(err) || matchesAny(err, connectionErrors) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	if matchesAny(err, messageErrors) {
		return resilience.ErrorClassification{}
	}
	return resilience.ErrorClassification{RecordFailure: true}
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// wrapTemporaryIfNeeded marks publish failures the caller may retry later so
// the API answers 503 instead of 500.
func wrapTemporaryIfNeeded(err error) error {
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if classifyNATSError(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, "publish embedding job", err)
	}
	return err
}
