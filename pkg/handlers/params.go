package handlers

import (
	"net/http"
	"regexp"

	"go.uber.org/zap"

	"github.com/ekaya-inc/superset-importer/pkg/superset"
)

// sourceIDPattern bounds identifiers that are interpolated into vendor paths.
var sourceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ParseSourceID extracts the vendor object identifier from the request path.
// Returns the identifier and true on success, or "" and false on error
// (after writing an error response).
// Expects path parameter: id
func ParseSourceID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (string, bool) {
	id := r.PathValue("id")
	if !sourceIDPattern.MatchString(id) {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_id", "Invalid Superset object ID"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return "", false
	}
	return id, true
}

// ParseKind reads the ?kind= query parameter. Empty means chart.
func ParseKind(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (superset.Kind, bool) {
	kind, err := superset.ParseKind(r.URL.Query().Get("kind"))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_kind", "kind must be chart or dataset"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return "", false
	}
	return kind, true
}
