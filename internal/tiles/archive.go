// Package tiles serves map tiles from an MBTiles archive
package tiles

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bluele/gcache"
	"github.com/paulmach/orb/maptile"
	"go.uber.org/zap"

	"github.com/chrneumann/frankfurt-tram-lines/internal/engine"
	"github.com/chrneumann/frankfurt-tram-lines/internal/logging"

	_ "modernc.org/sqlite"
)

// DefaultCacheSize is the number of tiles kept in memory
const DefaultCacheSize = 2048

// DefaultScheme is the tile URL scheme archives are served under
const DefaultScheme = "mbtiles"

// ErrUnsupportedFormat is returned for files that are not MBTiles archives
var ErrUnsupportedFormat = errors.New("unsupported tile archive format")

var pmtilesMagic = []byte("PMTiles")

// Archive is a read-only MBTiles archive
type Archive struct {
	db     *sql.DB
	path   string
	cache  gcache.Cache
	logger *zap.Logger
}

// Open opens the MBTiles file at path. cacheSize <= 0 uses DefaultCacheSize.
func Open(path string, cacheSize int, logger *zap.Logger) (*Archive, error) {
	if err := checkFormat(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open tile archive: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	var n int
	if err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE name = 'tiles'`).Scan(&n); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read tile archive %s: %w", path, err)
	}
	if n == 0 {
		db.Close()
		return nil, fmt.Errorf("%w: %s has no tiles table", ErrUnsupportedFormat, path)
	}

	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}

	return &Archive{
		db:     db,
		path:   path,
		cache:  gcache.New(cacheSize).LRU().Build(),
		logger: logging.OrNop(logger).With(zap.String("archive", path)),
	}, nil
}

// checkFormat rejects PMTiles archives before they reach the SQLite driver
func checkFormat(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open tile archive: %w", err)
	}
	defer f.Close()

	header := make([]byte, len(pmtilesMagic))
	if _, err := io.ReadFull(f, header); err == nil && bytes.Equal(header, pmtilesMagic) {
		return fmt.Errorf("%w: %s is a PMTiles archive, convert it with `pmtiles convert` to MBTiles", ErrUnsupportedFormat, path)
	}
	return nil
}

// Close closes the archive
func (a *Archive) Close() error {
	return a.db.Close()
}

// Tile returns the data of tile t. Tiles are addressed in XYZ; the archive
// stores rows in TMS order. A missing tile yields engine.ErrTileNotFound.
func (a *Archive) Tile(ctx context.Context, t maptile.Tile) ([]byte, error) {
	if v, err := a.cache.Get(t); err == nil {
		return v.([]byte), nil
	}

	if uint64(t.X) >= 1<<uint(t.Z) || uint64(t.Y) >= 1<<uint(t.Z) {
		return nil, engine.ErrTileNotFound
	}
	row := (uint32(1) << uint(t.Z)) - 1 - t.Y

	var data []byte
	err := a.db.QueryRowContext(ctx,
		`SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
		int(t.Z), int64(t.X), int64(row),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrTileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %d/%d/%d: %w", t.Z, t.X, t.Y, err)
	}

	if err := a.cache.Set(t, data); err != nil {
		a.logger.Warn("failed to cache tile", zap.Error(err))
	}
	return data, nil
}

// Metadata returns the name/value pairs of the metadata table
func (a *Archive) Metadata(ctx context.Context) (map[string]string, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT name, value FROM metadata`)
	if err != nil {
		return nil, fmt.Errorf("failed to query metadata: %w", err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan metadata: %w", err)
		}
		meta[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metadata: %w", err)
	}
	return meta, nil
}

// Handler adapts the archive to a tile protocol handler
func (a *Archive) Handler() engine.ProtocolHandler {
	return a.Tile
}
