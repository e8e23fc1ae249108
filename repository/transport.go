package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"

	"github.com/chrneumann/frankfurt-tram-lines/models"
)

// ErrNoDataset is returned when nothing has been imported yet
var ErrNoDataset = errors.New("no transport dataset imported")

// importsKept is the number of import log rows retained
const importsKept = 10

// timeLayout sorts lexically in chronological order
const timeLayout = "2006-01-02T15:04:05.000000Z"

// TransportRepository stores the transport dataset. A dataset is replaced as
// a whole; readers never see a mix of two imports.
type TransportRepository interface {
	GetTransportData(ctx context.Context) (*models.TransportData, error)
	ReplaceTransportData(ctx context.Context, data *models.TransportData) (*ImportInfo, error)
	LatestImport(ctx context.Context) (*ImportInfo, error)
	Ping(ctx context.Context) error
	Close() error
}

// ImportInfo describes one dataset import
type ImportInfo struct {
	DatasetID    string    `json:"datasetId"`
	ImportedAt   time.Time `json:"importedAt"`
	LineCount    int       `json:"lineCount"`
	StationCount int       `json:"stationCount"`
}

func newImportInfo(data *models.TransportData) *ImportInfo {
	return &ImportInfo{
		DatasetID:    uuid.New().String(),
		ImportedAt:   time.Now().UTC(),
		LineCount:    len(data.Lines),
		StationCount: len(data.Stations),
	}
}

// encodeGeometry returns the GeoJSON of g, nil when g is nil
func encodeGeometry(g *geojson.Geometry) ([]byte, error) {
	if g == nil {
		return nil, nil
	}
	b, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("failed to encode geometry: %w", err)
	}
	return b, nil
}

func decodeGeometry(b []byte) (*geojson.Geometry, error) {
	if len(b) == 0 {
		return nil, nil
	}
	g, err := geojson.UnmarshalGeometry(b)
	if err != nil {
		return nil, fmt.Errorf("failed to decode geometry: %w", err)
	}
	return g, nil
}
