package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/perimetra/perimetra/internal/metrics"
)

const healthCheckTimeout = 5 * time.Second

// Pinger checks database reachability.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler serves health, liveness, and status endpoints.
type HealthHandler struct {
	db      Pinger
	version string
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(db Pinger, version string) *HealthHandler {
	return &HealthHandler{db: db, version: version}
}

// HealthResponse reports overall service health.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Version  string `json:"version"`
}

// StatusResponse reports service identity and uptime.
type StatusResponse struct {
	Service string  `json:"service"`
	Version string  `json:"version"`
	Uptime  float64 `json:"uptime_seconds"`
}

// Health reports readiness: the service is healthy when the database
// answers a ping.
// GET /healthz
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Database: "ok", Version: h.version}
	status := http.StatusOK
	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Database = "unreachable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// Liveness reports that the process is running.
// GET /livez
func (h *HealthHandler) Liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Status reports service identity and uptime.
// GET /api/v1/status
func (h *HealthHandler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Service: "perimetra",
		Version: h.version,
		Uptime:  metrics.GetGlobalMetrics().GetUptime().Seconds(),
	})
}
