package repository

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/chrneumann/frankfurt-tram-lines/internal/db"
	"github.com/chrneumann/frankfurt-tram-lines/internal/logging"
)

// ErrNotConfigured is returned by Open when no database is configured
var ErrNotConfigured = errors.New("no database configured")

// Open connects to Postgres when databaseURL is set, otherwise to the SQLite
// database at sqlitePath.
func Open(ctx context.Context, databaseURL, sqlitePath string, logger *zap.Logger) (TransportRepository, error) {
	logger = logging.OrNop(logger)

	switch {
	case databaseURL != "":
		logger.Info("connecting to Postgres database")
		return NewPostgresTransportRepository(ctx, databaseURL)

	case sqlitePath != "":
		logger.Info("connecting to SQLite database", zap.String("path", sqlitePath))
		database, err := db.Connect(sqlitePath, logger)
		if err != nil {
			return nil, err
		}
		repo, err := NewSQLiteTransportRepository(ctx, database)
		if err != nil {
			database.Close()
			return nil, err
		}
		return repo, nil

	default:
		return nil, ErrNotConfigured
	}
}
