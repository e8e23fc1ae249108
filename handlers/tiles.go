package handlers

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb/maptile"

	"github.com/chrneumann/frankfurt-tram-lines/internal/engine"
)

// ProtocolLookup resolves tile URL schemes
type ProtocolLookup interface {
	Lookup(scheme string) (engine.ProtocolHandler, bool)
}

// TileHandler serves tiles of the registered tile protocols
type TileHandler struct {
	protocols ProtocolLookup
}

// NewTileHandler creates a new handler. A nil lookup uses engine.Protocols.
func NewTileHandler(protocols ProtocolLookup) *TileHandler {
	if protocols == nil {
		protocols = engine.Protocols
	}
	return &TileHandler{protocols: protocols}
}

var gzipMagic = []byte{0x1f, 0x8b}

// GetTile handles GET /tiles/{scheme}/{z}/{x}/{y}
// The y segment may carry a file extension. Schemes are only registered
// while a map is live.
func (h *TileHandler) GetTile(w http.ResponseWriter, r *http.Request) {
	scheme := chi.URLParam(r, "scheme")
	y, _, _ := strings.Cut(chi.URLParam(r, "y"), ".")

	z, errZ := strconv.ParseUint(chi.URLParam(r, "z"), 10, 32)
	x, errX := strconv.ParseUint(chi.URLParam(r, "x"), 10, 32)
	yy, errY := strconv.ParseUint(y, 10, 32)
	if errZ != nil || errX != nil || errY != nil {
		writeError(w, http.StatusBadRequest, "Invalid tile coordinates", map[string]interface{}{
			"z": chi.URLParam(r, "z"),
			"x": chi.URLParam(r, "x"),
			"y": chi.URLParam(r, "y"),
		})
		return
	}

	handler, ok := h.protocols.Lookup(scheme)
	if !ok {
		writeError(w, http.StatusNotFound, "Tile protocol not registered", map[string]interface{}{
			"scheme": scheme,
		})
		return
	}

	tile := maptile.New(uint32(x), uint32(yy), maptile.Zoom(z))
	data, err := handler(r.Context(), tile)
	if errors.Is(err, engine.ErrTileNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read tile", map[string]interface{}{
			"internal": err.Error(),
		})
		return
	}

	if bytes.HasPrefix(data, gzipMagic) {
		w.Header().Set("Content-Type", "application/x-protobuf")
		w.Header().Set("Content-Encoding", "gzip")
	} else {
		w.Header().Set("Content-Type", http.DetectContentType(data))
	}
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
