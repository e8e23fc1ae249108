package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/chrneumann/frankfurt-tram-lines/internal/engine"
	"github.com/chrneumann/frankfurt-tram-lines/internal/tiles"
)

// DefaultAttribution credits the base map data and the tile provider
const DefaultAttribution = `<a href="https://www.openstreetmap.org/copyright" target="_blank">&copy; OpenStreetMap Mitwirkende</a> <a href="https://www.maptiler.com/copyright/" target="_blank">&copy; MapTiler</a>`

// Center is a map position
type Center struct {
	Lon float64 `yaml:"lon" validate:"gte=-180,lte=180"`
	Lat float64 `yaml:"lat" validate:"gte=-90,lte=90"`
}

// MapConfig configures the map shown to viewers. It can be overridden by
// the YAML file named in MAP_CONFIG.
type MapConfig struct {
	Style       string         `yaml:"style" validate:"required"`
	Center      Center         `yaml:"center"`
	Zoom        float64        `yaml:"zoom" validate:"gte=0,lte=24"`
	Attribution string         `yaml:"attribution" validate:"required"`
	Padding     engine.Padding `yaml:"padding"`

	// ClearOnEmptySelection empties the highlight when the selection is cleared
	ClearOnEmptySelection bool `yaml:"clearOnEmptySelection"`

	// Tiles
	TileScheme    string `yaml:"tileScheme" validate:"omitempty,alphanum"`
	TileArchive   string `yaml:"tileArchive"`
	TileCacheSize int    `yaml:"tileCacheSize" validate:"gte=0"`
}

// Config holds all configuration for the server
type Config struct {
	// Server
	Port           string   `validate:"required,numeric"`
	AllowedOrigins []string `validate:"min=1"`
	StaticDir      string

	// Logging
	LogLevel       string `validate:"oneof=debug info warn error dpanic panic fatal"`
	LogDevelopment bool

	// Transport data
	TransportDataURL string
	RefreshInterval  time.Duration `validate:"gte=0"`

	// Database
	SQLiteDatabase string
	DatabaseURL    string

	Map MapConfig
}

// Load reads configuration from environment variables with sensible
// defaults, applies the MAP_CONFIG file if set and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		// Server
		Port:           getEnv("PORT", "8081"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:8081"}),
		StaticDir:      getEnv("STATIC_DIR", ""),

		// Logging
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogDevelopment: getEnvBool("LOG_DEVELOPMENT", false),

		// Transport data
		TransportDataURL: getEnv("TRANSPORT_DATA_URL", ""),
		RefreshInterval:  time.Duration(getEnvInt("TRANSPORT_REFRESH_INTERVAL", 0)) * time.Second,

		// Database
		SQLiteDatabase: getEnv("SQLITE_DATABASE", ""),
		DatabaseURL:    getEnv("DATABASE_URL", ""),

		Map: MapConfig{
			Style:       getEnv("STYLE_URL", "/style.json"),
			Center:      Center{Lon: 8.6821, Lat: 50.1109},
			Zoom:        getEnvFloat("MAP_ZOOM", 13),
			Attribution: getEnv("MAP_ATTRIBUTION", DefaultAttribution),
			Padding:     engine.Padding{Top: 100, Bottom: 50, Left: 50, Right: 50},

			ClearOnEmptySelection: getEnvBool("CLEAR_ON_EMPTY_SELECTION", false),

			TileScheme:    getEnv("TILE_SCHEME", tiles.DefaultScheme),
			TileArchive:   getEnv("TILE_ARCHIVE", ""),
			TileCacheSize: getEnvInt("TILE_CACHE_SIZE", tiles.DefaultCacheSize),
		},
	}

	if v := os.Getenv("MAP_CENTER"); v != "" {
		center, err := parseCenter(v)
		if err != nil {
			return nil, err
		}
		cfg.Map.Center = center
	}

	if path := os.Getenv("MAP_CONFIG"); path != "" {
		if err := cfg.Map.LoadFile(path); err != nil {
			return nil, err
		}
	}

	// The server serves its own dataset when no source is configured
	if cfg.TransportDataURL == "" {
		cfg.TransportDataURL = "http://localhost:" + cfg.Port + "/api/transport"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overrides the map configuration with the YAML file at path.
// Fields missing from the file keep their current values.
func (m *MapConfig) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read map config: %w", err)
	}
	if err := yaml.Unmarshal(data, m); err != nil {
		return fmt.Errorf("failed to parse map config %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// TilesEnabled reports whether a tile archive is served
func (c *Config) TilesEnabled() bool {
	return c.Map.TileArchive != "" && c.Map.TileScheme != ""
}

// parseCenter parses "lon,lat"
func parseCenter(v string) (Center, error) {
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return Center{}, fmt.Errorf("MAP_CENTER must be \"lon,lat\", got %q", v)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Center{}, fmt.Errorf("invalid MAP_CENTER longitude: %w", err)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Center{}, fmt.Errorf("invalid MAP_CENTER latitude: %w", err)
	}
	return Center{Lon: lon, Lat: lat}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var list []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}
