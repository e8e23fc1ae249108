package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"

	"github.com/chrneumann/frankfurt-tram-lines/models"
)

//go:embed postgres_schema.sql
var postgresSchemaSQL string

// PostgresTransportRepository stores the transport dataset in PostgreSQL
type PostgresTransportRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresTransportRepository connects to databaseURL and ensures the
// schema exists.
func NewPostgresTransportRepository(ctx context.Context, databaseURL string) (*PostgresTransportRepository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresTransportRepository{pool: pool}, nil
}

// Close closes the connection pool
func (r *PostgresTransportRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping checks database connectivity
func (r *PostgresTransportRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// GetTransportData returns the current dataset with lines in import order
func (r *PostgresTransportRepository) GetTransportData(ctx context.Context) (*models.TransportData, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := pgLatestImport(ctx, tx); err != nil {
		return nil, err
	}

	data := &models.TransportData{
		Stations: make(map[int64]models.Station),
		Lines:    []models.TransportLine{},
	}

	rows, err := tx.Query(ctx, `
		SELECT station_id, name, longitude, latitude
		FROM transport_stations
		ORDER BY station_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stations: %w", err)
	}
	for rows.Next() {
		var s models.Station
		var lon, lat float64
		if err := rows.Scan(&s.ID, &s.Name, &lon, &lat); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan station: %w", err)
		}
		s.Position = orb.Point{lon, lat}
		data.Stations[s.ID] = s
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stations: %w", err)
	}

	rows, err = tx.Query(ctx, `
		SELECT number, from_name, to_name, geometry, station_ids
		FROM transport_lines
		ORDER BY position
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var line models.TransportLine
		var geometry []byte
		if err := rows.Scan(&line.Number, &line.From, &line.To, &geometry, &line.Stations); err != nil {
			return nil, fmt.Errorf("failed to scan line: %w", err)
		}
		if line.Geometry, err = decodeGeometry(geometry); err != nil {
			return nil, fmt.Errorf("line %s: %w", line.Key(), err)
		}
		data.Lines = append(data.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lines: %w", err)
	}

	return data, nil
}

// ReplaceTransportData swaps the stored dataset for data in one transaction
func (r *PostgresTransportRepository) ReplaceTransportData(ctx context.Context, data *models.TransportData) (*ImportInfo, error) {
	if data == nil {
		return nil, errors.New("transport data is nil")
	}
	info := newImportInfo(data)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM transport_stations`)
	batch.Queue(`DELETE FROM transport_lines`)

	for _, s := range data.SortedStations() {
		batch.Queue(`
			INSERT INTO transport_stations (station_id, name, longitude, latitude, dataset_id)
			VALUES ($1, $2, $3, $4, $5)
		`, s.ID, s.Name, s.Position.Lon(), s.Position.Lat(), info.DatasetID)
	}

	for i, line := range data.Lines {
		geometry, err := encodeGeometry(line.Geometry)
		if err != nil {
			return nil, fmt.Errorf("line %s: %w", line.Key(), err)
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

		batch.Queue(`
			INSERT INTO transport_lines (position, number, from_name, to_name, geometry, station_ids, dataset_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, i, line.Number, line.From, line.To, geometryArg, stations, info.DatasetID)
	}

	batch.Queue(`
		INSERT INTO transport_imports (dataset_id, imported_at, line_count, station_count)
		VALUES ($1, $2, $3, $4)
	`, info.DatasetID, info.ImportedAt, info.LineCount, info.StationCount)

	batch.Queue(`
		DELETE FROM transport_imports
		WHERE dataset_id NOT IN (
			SELECT dataset_id FROM transport_imports
			ORDER BY imported_at DESC
			LIMIT $1
		)
	`, importsKept)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("failed to import transport data: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit import: %w", err)
	}
	return info, nil
}

// LatestImport returns the most recent import
func (r *PostgresTransportRepository) LatestImport(ctx context.Context) (*ImportInfo, error) {
	return pgLatestImport(ctx, r.pool)
}

// pgQueryRower is satisfied by both *pgxpool.Pool and pgx.Tx
type pgQueryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgLatestImport(ctx context.Context, q pgQueryRower) (*ImportInfo, error) {
	var info ImportInfo
	err := q.QueryRow(ctx, `
		SELECT dataset_id::text, imported_at, line_count, station_count
		FROM transport_imports
		ORDER BY imported_at DESC
		LIMIT 1
	`).Scan(&info.DatasetID, &info.ImportedAt, &info.LineCount, &info.StationCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoDataset
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest import: %w", err)
	}
	info.ImportedAt = info.ImportedAt.UTC()
	return &info, nil
}
