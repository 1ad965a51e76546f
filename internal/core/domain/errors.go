package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrTemporary        = errors.New("temporary failure")

	// ErrConfig marks missing credentials or setup. Never retried.
	ErrConfig = errors.New("configuration error")
	// ErrProvider marks a failed embedding or LLM call.
	ErrProvider = errors.New("provider error")
	// ErrRetrieval marks a failed index query.
	ErrRetrieval = errors.New("retrieval error")
	// ErrParse marks an uninterpretable LLM response. It stays inside the re-ranker.
	ErrParse = errors.New("parse error")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// RetrievalError reports an index query failure together with the strategy
// that was attempted.
type RetrievalError struct {
	Strategy RetrievalMethod
	Err      error
}

func (e *RetrievalError) Error() string {
	if e == nil {
		return "retrieval error"
	}
	return fmt.Sprintf("retrieve (%s): %v", e.Strategy, e.Err)
}

func (e *RetrievalError) Unwrap() []error {
	return []error{ErrRetrieval, e.Err}
}

func NewRetrievalError(strategy RetrievalMethod, err error) error {
	if err == nil {
		return nil
	}
	return &RetrievalError{Strategy: strategy, Err: err}
}
