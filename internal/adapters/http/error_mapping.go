package httpadapter

import (
	"net/http"

	"github.com/olegsm/document-processor/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrValidation):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case domain.IsKind(err, domain.ErrNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrNotOwner):
		return http.StatusForbidden
	case domain.IsKind(err, domain.ErrAlreadyClaimed):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrTransientIO), domain.IsKind(err, domain.ErrTransientAnalysis):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
