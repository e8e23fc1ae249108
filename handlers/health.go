package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/chrneumann/frankfurt-tram-lines/internal/controller"
	"github.com/chrneumann/frankfurt-tram-lines/repository"
)

// MapStatus reports the state of the live map
type MapStatus interface {
	Lifecycle() controller.Lifecycle
	HasData() bool
}

// HealthHandler handles health checks
type HealthHandler struct {
	repo TransportRepository // nil when no database is configured
	maps MapStatus
}

// NewHealthHandler creates a new handler. repo may be nil.
func NewHealthHandler(repo TransportRepository, maps MapStatus) *HealthHandler {
	return &HealthHandler{repo: repo, maps: maps}
}

// HealthResponse is the JSON response for GET /health
type HealthResponse struct {
	Status     string                 `json:"status"`
	Database   string                 `json:"database"`
	Dataset    *repository.ImportInfo `json:"dataset,omitempty"`
	DataLoaded bool                   `json:"dataLoaded"`
	Map        controller.Lifecycle   `json:"map"`
	Timestamp  time.Time              `json:"timestamp"`
	Error      string                 `json:"error,omitempty"`
}

// Health handles GET /health
// Checks database connectivity and reports the map lifecycle
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:     "ok",
		Database:   "not configured",
		DataLoaded: h.maps.HasData(),
		Map:        h.maps.Lifecycle(),
		Timestamp:  time.Now().UTC(),
	}

	if h.repo != nil {
		if err := h.repo.Ping(ctx); err != nil {
			response.Status = "error"
			response.Database = "disconnected"
			response.Error = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, response)
			return
		}
		response.Database = "connected"

		info, err := h.repo.LatestImport(ctx)
		switch {
		case err == nil:
			response.Dataset = info
		case !errors.Is(err, repository.ErrNoDataset):
			response.Error = err.Error()
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// Healthz handles GET /healthz
func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
