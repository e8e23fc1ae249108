package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/chrneumann/frankfurt-tram-lines/internal/fetch"
	"github.com/chrneumann/frankfurt-tram-lines/internal/logging"
	"github.com/chrneumann/frankfurt-tram-lines/repository"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	// Command line flags
	source := flag.String("in", "data/transport.json", "Dataset to import: a path, file:// or http(s) URL")
	dbPath := flag.String("db", os.Getenv("SQLITE_DATABASE"), "Path to SQLite database")
	databaseURL := flag.String("database-url", os.Getenv("DATABASE_URL"), "Postgres connection URL, preferred over -db")
	timeout := flag.Duration("timeout", 5*time.Minute, "Import timeout")
	flag.Parse()

	logger, err := logging.New("info", true)
	if err != nil {
		zap.NewExample().Fatal("failed to create logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	repo, err := repository.Open(ctx, *databaseURL, *dbPath, logger)
	if err != nil {
		logger.Fatal("failed to open repository", zap.Error(err))
	}
	defer repo.Close()

	data, err := fetch.NewClient(nil, logger).Fetch(ctx, *source)
	if err != nil {
		logger.Fatal("failed to read dataset", zap.String("source", *source), zap.Error(err))
	}
	if err := data.Validate(); err != nil {
		logger.Warn("dataset has inconsistencies", zap.Error(err))
	}

	info, err := repo.ReplaceTransportData(ctx, data)
	if err != nil {
		logger.Fatal("import failed", zap.Error(err))
	}

	logger.Info("import complete",
		zap.String("dataset_id", info.DatasetID),
		zap.Int("lines", info.LineCount),
		zap.Int("stations", info.StationCount),
	)
}
