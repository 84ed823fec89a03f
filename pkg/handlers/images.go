package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ekaya-inc/superset-importer/pkg/auth"
	"github.com/ekaya-inc/superset-importer/pkg/superset"
)

// ImagesHandler exposes Superset chart thumbnails to the admin panel.
type ImagesHandler struct {
	supersetCfg superset.Config
	logger      *zap.Logger
}

// NewImagesHandler creates a thumbnail handler.
func NewImagesHandler(supersetCfg superset.Config, logger *zap.Logger) *ImagesHandler {
	return &ImagesHandler{supersetCfg: supersetCfg, logger: logger}
}

// RegisterRoutes registers the image routes on the given mux.
func (h *ImagesHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /superset-images/chart/{id}", authMiddleware.RequireSysadmin(h.ChartImage))
}

// ChartImage handles GET /superset-images/chart/{id}
func (h *ImagesHandler) ChartImage(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseSourceID(w, r, h.logger)
	if !ok {
		return
	}

	chart, err := superset.NewClient(h.supersetCfg, h.logger).GetChart(r.Context(), id)
	if err != nil && !superset.IsNotFound(err) {
		writeServiceError(w, err, h.logger)
		return
	}

	var image []byte
	if chart != nil {
		image = chart.Thumbnail(r.Context())
	}
	if len(image) == 0 {
		http.Error(w, "Thumbnail not found for chart "+id, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(image)))
	w.Header().Set("Cache-Control", "private, max-age=300")
	if _, err := w.Write(image); err != nil {
		h.logger.Debug("Failed to write chart image", zap.String("id", id), zap.Error(err))
	}
}
