package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
	"github.com/BinkyTwin/reviewxiv/internal/infrastructure/resilience"
)

// quotaExhausted is the error code OpenAI-compatible APIs send with a 429
// when the account is out of credit. Retrying does not help.
const quotaExhausted = "insufficient_quota"

// HTTPStatusError is a non-2xx provider reply. Code is the provider's error
// code from the JSON body, when there is one.
type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Code       string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "provider status error"
	}
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("%s status: %s: %s", e.Operation, e.Status, body)
}

func newHTTPStatusError(operation string, resp *http.Response, excerpt []byte) *HTTPStatusError {
	out := &HTTPStatusError{
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(excerpt),
	}
	var envelope struct {
		Error struct {
			Code any `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(excerpt, &envelope) == nil && envelope.Error.Code != nil {
		out.Code = fmt.Sprint(envelope.Error.Code)
	}
	return out
}

func (e *HTTPStatusError) retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests:
		return e.Code != quotaExhausted
	case http.StatusRequestTimeout, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// misconfigured reports replies that no retry or later request can fix.
func (e *HTTPStatusError) misconfigured() bool {
	return e.StatusCode == http.StatusUnauthorized ||
		e.StatusCode == http.StatusForbidden ||
		e.Code == quotaExhausted
}

func classifyProviderError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if class, ok := resilience.ClassifyContext(err); ok {
		return class
	}
	if resilience.IsCircuitOpen(err) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		// 4xx replies describe the request, not provider health.
		retry := statusErr.retryable()
		return resilience.ErrorClassification{Retryable: retry, RecordFailure: retry || statusErr.misconfigured()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{RecordFailure: true}
}

// wrapProviderError tags err as a provider failure, and as temporary when a
// later attempt could succeed. Auth and quota failures become configuration
// errors.
func wrapProviderError(operation string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return domain.WrapError(domain.ErrProvider, operation, domain.WrapError(domain.ErrTemporary, "timeout", err))
	case errors.Is(err, context.Canceled):
		return err
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.misconfigured() {
		return domain.WrapError(domain.ErrConfig, operation, err)
	}
	if classifyProviderError(err).Retryable {
		err = domain.WrapError(domain.ErrTemporary, "provider unavailable", err)
	}
	return domain.WrapError(domain.ErrProvider, operation, err)
}
