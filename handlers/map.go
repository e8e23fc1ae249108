package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chrneumann/frankfurt-tram-lines/internal/controller"
	"github.com/chrneumann/frankfurt-tram-lines/internal/logging"
	"github.com/chrneumann/frankfurt-tram-lines/internal/shell"
	"github.com/chrneumann/frankfurt-tram-lines/internal/sse"
	"github.com/chrneumann/frankfurt-tram-lines/models"
)

// MapShell is the transport map behind the viewer endpoints
type MapShell interface {
	Bind(ctx context.Context, container string) error
	Release(ctx context.Context, container string) error
	Loaded(ctx context.Context, container string) error
	Select(ctx context.Context, key *string) error
	Options() []models.LineOption
	Selection() *string
	Lifecycle() controller.Lifecycle
}

// MapHandler handles the line selector and the map viewer stream
type MapHandler struct {
	shell     MapShell
	broker    *sse.Broker
	keepalive time.Duration
	logger    *zap.Logger
}

// NewMapHandler creates a new handler. keepalive 0 uses sse.KeepaliveInterval.
func NewMapHandler(s MapShell, broker *sse.Broker, keepalive time.Duration, logger *zap.Logger) *MapHandler {
	return &MapHandler{
		shell:     s,
		broker:    broker,
		keepalive: keepalive,
		logger:    logging.OrNop(logger),
	}
}

// GetLinesResponse is the JSON response structure for GET /api/lines
type GetLinesResponse struct {
	Options []models.LineOption `json:"options"`
	Value   *string             `json:"value"`
	Count   int                 `json:"count"`
}

// SelectionRequest is the JSON request body for POST /api/selection
type SelectionRequest struct {
	Line *string `json:"line"` // null clears the selection
}

// ConnectedEvent is the data of the first message of a viewer stream
type ConnectedEvent struct {
	ContainerID string `json:"containerId"`
}

// GetLines handles GET /api/lines
// Returns the selector options and the current selection
func (h *MapHandler) GetLines(w http.ResponseWriter, r *http.Request) {
	options := h.shell.Options()
	writeJSON(w, http.StatusOK, GetLinesResponse{
		Options: options,
		Value:   h.shell.Selection(),
		Count:   len(options),
	})
}

// PostSelection handles POST /api/selection
// Keys that match no line are accepted and highlight nothing
func (h *MapHandler) PostSelection(w http.ResponseWriter, r *http.Request) {
	var req SelectionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid selection request", map[string]interface{}{
			"internal": err.Error(),
		})
		return
	}

	if err := h.shell.Select(r.Context(), req.Line); err != nil && !errors.Is(err, controller.ErrClosed) {
		if errors.Is(err, shell.ErrStopped) {
			writeError(w, http.StatusServiceUnavailable, "Map is shutting down", nil)
			return
		}
		// The selection is stored even when rendering it failed
		h.logger.Warn("selection applied with errors", zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

// PostLoaded handles POST /api/map/{containerID}/loaded
// Reports that the viewer's rendering engine finished loading
func (h *MapHandler) PostLoaded(w http.ResponseWriter, r *http.Request) {
	containerID := chi.URLParam(r, "containerID")
	if containerID == "" {
		writeError(w, http.StatusBadRequest, "containerID parameter is required", nil)
		return
	}

	err := h.shell.Loaded(r.Context(), containerID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, shell.ErrUnknownContainer):
		writeError(w, http.StatusNotFound, "Map container not found", map[string]interface{}{
			"containerId": containerID,
		})
	case errors.Is(err, shell.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "Map is shutting down", nil)
	default:
		writeError(w, http.StatusInternalServerError, "Failed to load map", map[string]interface{}{
			"internal": err.Error(),
		})
	}
}

// Events handles GET /api/map/events
// Each connection is a map container. Connecting replaces the map of the
// previous viewer; the stream carries the engine commands for this one.
func (h *MapHandler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, err := sse.Prepare(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Streaming not supported", nil)
		return
	}

	containerID := uuid.New().String()
	logger := h.logger.With(zap.String("container", containerID))

	messages := h.broker.AddClient(containerID)
	defer h.broker.RemoveClient(containerID)

	connected := sse.Message{
		ID:   time.Now().UnixNano(),
		Type: sse.TypeConnected,
		Data: ConnectedEvent{ContainerID: containerID},
	}
	if err := sse.WriteMessage(w, connected); err != nil {
		logger.Warn("failed to send connected message", zap.Error(err))
		return
	}
	flusher.Flush()

	if err := h.shell.Bind(r.Context(), containerID); err != nil {
		logger.Error("failed to bind map container", zap.Error(err))
		return
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.shell.Release(ctx, containerID); err != nil && !errors.Is(err, shell.ErrStopped) {
			logger.Warn("failed to release map container", zap.Error(err))
		}
	}()

	if err := sse.Stream(w, r, flusher, messages, h.keepalive); err != nil {
		logger.Debug("viewer stream ended", zap.Error(err))
	}
}
