package httpadapter

import (
	"net/http"

	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
)

type errorMapping struct {
	kind   error
	status int
	code   string
}

// errorMappings is checked in order; the first matching kind wins.
var errorMappings = []errorMapping{
	{domain.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{domain.ErrDocumentNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrTemporary, http.StatusServiceUnavailable, "temporarily_unavailable"},
	{domain.ErrProvider, http.StatusBadGateway, "provider_error"},
	{domain.ErrConfig, http.StatusInternalServerError, "misconfigured"},
	{domain.ErrRetrieval, http.StatusInternalServerError, "retrieval_failed"},
}

func mapError(err error) (int, string) {
	for _, m := range errorMappings {
		if domain.IsKind(err, m.kind) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}
