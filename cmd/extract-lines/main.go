package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"

	"go.uber.org/zap"

	"github.com/chrneumann/frankfurt-tram-lines/internal/logging"
	"github.com/chrneumann/frankfurt-tram-lines/internal/osm"
)

func main() {
	// Command line flags
	pbfPath := flag.String("pbf", "data/frankfurt.osm.pbf", "Path to the OpenStreetMap PBF extract")
	outPath := flag.String("out", "data/transport.json", "Path of the JSON dataset to write")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger, err := logging.New(*logLevel, true)
	if err != nil {
		zap.NewExample().Fatal("failed to create logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger.Info("extracting tram lines", zap.String("pbf", *pbfPath))

	data, err := osm.Extract(ctx, osm.FileOpener(*pbfPath), logger)
	if err != nil {
		logger.Fatal("extraction failed", zap.Error(err))
	}
	if err := data.Validate(); err != nil {
		logger.Warn("extracted data has inconsistencies", zap.Error(err))
	}

	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		logger.Fatal("failed to encode dataset", zap.Error(err))
	}
	if err := os.WriteFile(*outPath, out, 0o644); err != nil {
		logger.Fatal("failed to write dataset", zap.Error(err))
	}

	logger.Info("extraction complete",
		zap.String("out", *outPath),
		zap.Int("lines", len(data.Lines)),
		zap.Int("stations", len(data.Stations)),
	)
}
