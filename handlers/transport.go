package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/chrneumann/frankfurt-tram-lines/models"
	"github.com/chrneumann/frankfurt-tram-lines/repository"
)

// TransportRepository defines the interface for transport data operations
type TransportRepository interface {
	GetTransportData(ctx context.Context) (*models.TransportData, error)
	LatestImport(ctx context.Context) (*repository.ImportInfo, error)
	Ping(ctx context.Context) error
}

// TransportHandler serves the stored transport dataset
type TransportHandler struct {
	repo TransportRepository
}

// NewTransportHandler creates a new handler with the given repository
func NewTransportHandler(repo TransportRepository) *TransportHandler {
	return &TransportHandler{repo: repo}
}

// GetTransport handles GET /api/transport
// Returns the complete dataset in the format the map fetches
func (h *TransportHandler) GetTransport(w http.ResponseWriter, r *http.Request) {
	data, err := h.repo.GetTransportData(r.Context())
	if errors.Is(err, repository.ErrNoDataset) {
		writeError(w, http.StatusNotFound, "No transport data imported", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve transport data", map[string]interface{}{
			"internal": err.Error(),
		})
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=60")
	w.Header().Set("Vary", "Accept-Encoding")
	writeJSON(w, http.StatusOK, data)
}
