package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb"

	"github.com/chrneumann/frankfurt-tram-lines/internal/db"
	"github.com/chrneumann/frankfurt-tram-lines/models"
)

// SQLiteTransportRepository stores the transport dataset in SQLite
type SQLiteTransportRepository struct {
	db *db.DB
}

// NewSQLiteTransportRepository creates a repository on database and ensures
// its schema exists.
func NewSQLiteTransportRepository(ctx context.Context, database *db.DB) (*SQLiteTransportRepository, error) {
	if err := database.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return &SQLiteTransportRepository{db: database}, nil
}

// Close closes the database connection
func (r *SQLiteTransportRepository) Close() error {
	return r.db.Close()
}

// Ping checks database connectivity
func (r *SQLiteTransportRepository) Ping(ctx context.Context) error {
	return r.db.Conn().PingContext(ctx)
}

// GetTransportData returns the current dataset with lines in import order
func (r *SQLiteTransportRepository) GetTransportData(ctx context.Context) (*models.TransportData, error) {
	// One transaction so a concurrent import is seen entirely or not at all
	tx, err := r.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := latestImport(ctx, tx); err != nil {
		return nil, err
	}

	data := &models.TransportData{
		Stations: make(map[int64]models.Station),
		Lines:    []models.TransportLine{},
	}

	stationRows, err := tx.QueryContext(ctx, `
		SELECT station_id, name, longitude, latitude
		FROM transport_stations
		ORDER BY station_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stations: %w", err)
	}
	defer stationRows.Close()

	for stationRows.Next() {
		var s models.Station
		var lon, lat float64
		if err := stationRows.Scan(&s.ID, &s.Name, &lon, &lat); err != nil {
			return nil, fmt.Errorf("failed to scan station: %w", err)
		}
		s.Position = orb.Point{lon, lat}
		data.Stations[s.ID] = s
	}
	if err := stationRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stations: %w", err)
	}

	lineRows, err := tx.QueryContext(ctx, `
		SELECT number, from_name, to_name, geometry, station_ids
		FROM transport_lines
		ORDER BY position
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query lines: %w", err)
	}
	defer lineRows.Close()

	for lineRows.Next() {
		var line models.TransportLine
		var geometry sql.NullString
		var stationIDs string
		if err := lineRows.Scan(&line.Number, &line.From, &line.To, &geometry, &stationIDs); err != nil {
			return nil, fmt.Errorf("failed to scan line: %w", err)
		}

		if geometry.Valid {
			if line.Geometry, err = decodeGeometry([]byte(geometry.String)); err != nil {
				return nil, fmt.Errorf("line %s: %w", line.Key(), err)
			}
		}
		if err := json.Unmarshal([]byte(stationIDs), &line.Stations); err != nil {
			return nil, fmt.Errorf("line %s: failed to decode station ids: %w", line.Key(), err)
		}
		data.Lines = append(data.Lines, line)
	}
	if err := lineRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lines: %w", err)
	}

	return data, nil
}

// ReplaceTransportData swaps the stored dataset for data in one transaction
func (r *SQLiteTransportRepository) ReplaceTransportData(ctx context.Context, data *models.TransportData) (*ImportInfo, error) {
	if data == nil {
		return nil, errors.New("transport data is nil")
	}
	info := newImportInfo(data)

	err := r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		return r.writeDataset(ctx, tx, data, info)
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// writeDataset replaces the stored rows with data inside tx
func (r *SQLiteTransportRepository) writeDataset(ctx context.Context, tx *sql.Tx, data *models.TransportData, info *ImportInfo) error {
	for _, table := range []string{"transport_stations", "transport_lines"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	stationStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transport_stations (station_id, name, longitude, latitude, dataset_id)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare station statement: %w", err)
	}
	defer stationStmt.Close()

	for _, s := range data.SortedStations() {
		if _, err := stationStmt.ExecContext(ctx, s.ID, s.Name, s.Position.Lon(), s.Position.Lat(), info.DatasetID); err != nil {
			return fmt.Errorf("failed to insert station %d: %w", s.ID, err)
		}
	}

	lineStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transport_lines (position, number, from_name, to_name, geometry, station_ids, dataset_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare line statement: %w", err)
	}
	defer lineStmt.Close()

	for i, line := range data.Lines {
		geometry, err := encodeGeometry(line.Geometry)
		if err != nil {
			return fmt.Errorf("line %s: %w", line.Key(), err)
		}
		var geometryArg *string
		if geometry != nil {
			s := string(geometry)
			geometryArg = &s
		}

		stations := line.Stations
		if stations == nil {
			stations = []int64{}
		}
		stationIDs, err := json.Marshal(stations)
		if err != nil {
			return fmt.Errorf("line %s: failed to encode station ids: %w", line.Key(), err)
		}

		if _, err := lineStmt.ExecContext(ctx, i, line.Number, line.From, line.To, geometryArg, string(stationIDs), info.DatasetID); err != nil {
			return fmt.Errorf("failed to insert line %s: %w", line.Key(), err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transport_imports (dataset_id, imported_at, line_count, station_count)
		VALUES (?, ?, ?, ?)
	`, info.DatasetID, info.ImportedAt.Format(timeLayout), info.LineCount, info.StationCount)
	if err != nil {
		return fmt.Errorf("failed to record import: %w", err)
	}

	_, err = r.db.PruneImports(ctx, tx, importsKept)
	return err
}

// LatestImport returns the most recent import
func (r *SQLiteTransportRepository) LatestImport(ctx context.Context) (*ImportInfo, error) {
	return latestImport(ctx, r.db.Conn())
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func latestImport(ctx context.Context, q queryRower) (*ImportInfo, error) {
	var info ImportInfo
	var importedAt string
	err := q.QueryRowContext(ctx, `
		SELECT dataset_id, imported_at, line_count, station_count
		FROM transport_imports
		ORDER BY imported_at DESC
		LIMIT 1
	`).Scan(&info.DatasetID, &importedAt, &info.LineCount, &info.StationCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoDataset
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest import: %w", err)
	}

	info.ImportedAt, err = time.Parse(timeLayout, importedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid import time %q: %w", importedAt, err)
	}
	return &info, nil
}
