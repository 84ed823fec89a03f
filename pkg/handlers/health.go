package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/superset-importer/pkg/config"
)

const ledgerPingTimeout = 2 * time.Second

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingResponse contains service status and version information.
type PingResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Service     string `json:"service"`
	GoVersion   string `json:"go_version"`
	Hostname    string `json:"hostname"`
	Environment string `json:"environment"`
}

// HealthResponse reports liveness and the import ledger state.
type HealthResponse struct {
	Status string `json:"status"`
	// Ledger is "ok", "unavailable" or "disabled".
	Ledger string `json:"ledger"`
}

// HealthHandler handles health check and ping endpoints.
type HealthHandler struct {
	cfg    *config.Config
	ledger Pinger
	logger *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. ledger may be nil when the
// import ledger is disabled.
func NewHealthHandler(cfg *config.Config, ledger Pinger, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{cfg: cfg, ledger: ledger, logger: logger}
}

// RegisterRoutes registers the health handler's routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ping", h.Ping)
}

// Health handles GET /health requests.
// Returns 503 when the ledger is configured but unreachable.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{Status: "ok", Ledger: "disabled"}
	status := http.StatusOK

	if h.ledger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), ledgerPingTimeout)
		defer cancel()
		if err := h.ledger.Ping(ctx); err != nil {
			h.logger.Warn("Import ledger ping failed", zap.Error(err))
			response = HealthResponse{Status: "degraded", Ledger: "unavailable"}
			status = http.StatusServiceUnavailable
		} else {
			response.Ledger = "ok"
		}
	}

	if err := WriteJSON(w, status, response); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

// Ping handles GET /ping requests with version and environment details.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		http.Error(w, "failed to get hostname", http.StatusInternalServerError)
		return
	}

	response := PingResponse{
		Status:      "ok",
		Version:     h.cfg.Version,
		Service:     "superset-importer",
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		Environment: h.cfg.Env,
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}
