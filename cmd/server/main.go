package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/paulmach/orb"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chrneumann/frankfurt-tram-lines/handlers"
	"github.com/chrneumann/frankfurt-tram-lines/internal/config"
	"github.com/chrneumann/frankfurt-tram-lines/internal/fetch"
	"github.com/chrneumann/frankfurt-tram-lines/internal/logging"
	"github.com/chrneumann/frankfurt-tram-lines/internal/mapsurface"
	"github.com/chrneumann/frankfurt-tram-lines/internal/shell"
	"github.com/chrneumann/frankfurt-tram-lines/internal/sse"
	"github.com/chrneumann/frankfurt-tram-lines/internal/tiles"
	"github.com/chrneumann/frankfurt-tram-lines/repository"
	"github.com/chrneumann/frankfurt-tram-lines/web"
)

func main() {
	// Load base .env first, then .env.local (which overrides for local development)
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		zap.NewExample().Fatal("failed to create logger", zap.Error(err))
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// Transport dataset store, optional
	var store handlers.TransportRepository
	repo, err := repository.Open(ctx, cfg.DatabaseURL, cfg.SQLiteDatabase, logger)
	switch {
	case err == nil:
		defer repo.Close()
		store = repo
		logger.Info("database connection established")
	case errors.Is(err, repository.ErrNotConfigured):
		logger.Info("no database configured, /api/transport disabled")
	default:
		return err
	}

	opts := shell.Options{
		Map: mapsurface.Options{
			Style:       cfg.Map.Style,
			Center:      orb.Point{cfg.Map.Center.Lon, cfg.Map.Center.Lat},
			Zoom:        cfg.Map.Zoom,
			Attribution: cfg.Map.Attribution,
			Padding:     &cfg.Map.Padding,
			Scheme:      cfg.Map.TileScheme,
		},
		ClearOnEmptySelection: cfg.Map.ClearOnEmptySelection,
		DataURL:               cfg.TransportDataURL,
		RefreshInterval:       cfg.RefreshInterval,
		Fetcher:               fetch.NewClient(nil, logger),
		Broker:                sse.NewBroker(sse.DefaultBufferSize, logger),
		Logger:                logger,
	}

	if cfg.TilesEnabled() {
		archive, err := tiles.Open(cfg.Map.TileArchive, cfg.Map.TileCacheSize, logger)
		if err != nil {
			return err
		}
		defer archive.Close()
		opts.TileHandler = archive.Handler()
		logger.Info("tile archive opened",
			zap.String("path", cfg.Map.TileArchive),
			zap.String("scheme", cfg.Map.TileScheme),
		)
	}

	mapShell, err := shell.New(opts)
	if err != nil {
		return err
	}

	mapHandler := handlers.NewMapHandler(mapShell, opts.Broker, sse.KeepaliveInterval, logger)
	tileHandler := handlers.NewTileHandler(nil)
	healthHandler := handlers.NewHealthHandler(store, mapShell)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/healthz", handlers.Healthz)

	// Line selector
	r.Get("/api/lines", mapHandler.GetLines)
	r.Post("/api/selection", mapHandler.PostSelection)

	// Map viewers
	r.Get("/api/map/events", mapHandler.Events)
	r.Post("/api/map/{containerID}/loaded", mapHandler.PostLoaded)
	r.Get("/tiles/{scheme}/{z}/{x}/{y}", tileHandler.GetTile)

	if store != nil {
		r.Get("/api/transport", handlers.NewTransportHandler(store).GetTransport)
	}

	if cfg.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(cfg.StaticDir)))
	} else {
		r.Handle("/*", web.Handler())
	}

	g, gctx := errgroup.WithContext(ctx)

	// Viewer streams end with gctx so shutdown does not wait on them
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}

	logger.Info("API server starting", zap.String("addr", server.Addr))
	logger.Info("Line selector endpoints: GET /api/lines, POST /api/selection")
	logger.Info("Map endpoints: GET /api/map/events, POST /api/map/{containerID}/loaded, GET /tiles/{scheme}/{z}/{x}/{y}")
	if store != nil {
		logger.Info("Data endpoints: GET /api/transport")
	}
	logger.Info("Health: GET /health (with database check), GET /healthz")

	g.Go(func() error {
		return mapShell.Run(gctx)
	})
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
