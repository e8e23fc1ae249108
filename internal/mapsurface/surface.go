// Package mapsurface owns one rendering engine map bound to a container and
// provisions the transport sources and layers on it.
//
// A Surface moves through Uninitialized → Created → Loaded → LayersReady
// and can be destroyed from any state. The tile protocol is registered for
// exactly the lifetime of the surface.
package mapsurface

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/chrneumann/frankfurt-tram-lines/internal/engine"
	"github.com/chrneumann/frankfurt-tram-lines/internal/geometry"
	"github.com/chrneumann/frankfurt-tram-lines/internal/logging"
	"github.com/chrneumann/frankfurt-tram-lines/models"
)

// Source and layer ids. The selected source is addressed by SetSelectedLine.
const (
	SourceLines          = "transport"
	SourceSelected       = "transport-selected"
	SourceStations       = "stations"
	SourceStationCentres = "station-centroids"

	LayerLines         = "transport"
	LayerSelected      = "transport-selected"
	LayerStationLabels = "transport-station-labels"
)

// DefaultZoom is the initial zoom of a new map
const DefaultZoom = 13

// DefaultPadding leaves room for the line selector above the map
var DefaultPadding = engine.Padding{Top: 100, Bottom: 50, Left: 50, Right: 50}

var (
	// ErrNotLoaded is returned when layers are added before the engine is ready
	ErrNotLoaded = errors.New("map is not loaded")
	// ErrLayersAlreadyAdded is returned when layers are added a second time
	ErrLayersAlreadyAdded = errors.New("transport layers already added")
	// ErrLayersNotReady is returned when source data is replaced before layers exist
	ErrLayersNotReady = errors.New("transport layers not added")
	// ErrSelectedSourceMissing signals a sequencing bug: the selected line
	// source is missing or not a GeoJSON source.
	ErrSelectedSourceMissing = errors.New("could not get transport-selected source")
	// ErrDestroyed is returned for operations on a destroyed surface
	ErrDestroyed = errors.New("map surface destroyed")
	// ErrAttributionRequired is returned when no attribution is configured
	ErrAttributionRequired = errors.New("map attribution is required")
)

// State of a Surface
type State int

const (
	Uninitialized State = iota
	Created
	Loaded
	LayersReady
	Destroyed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Created:
		return "created"
	case Loaded:
		return "loaded"
	case LayersReady:
		return "layers_ready"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures a Surface
type Options struct {
	Style       string    // Style URL
	Center      orb.Point // Initial center [lon, lat]
	Zoom        float64   // Initial zoom, DefaultZoom when 0
	Attribution string    // Credits for the base map data and the tile provider
	Padding     *engine.Padding

	// Tile protocol registered for the lifetime of the surface.
	// No protocol is registered when Scheme is empty.
	Scheme   string
	Protocol engine.ProtocolHandler
	Registry engine.ProtocolRegistry // engine.Protocols when nil

	Factory engine.Factory
	Logger  *zap.Logger
}

// Surface is the map of one container
type Surface struct {
	container string
	opts      Options
	padding   engine.Padding
	logger    *zap.Logger

	m       engine.Map
	state   State
	lease   *engine.ProtocolLease
	onReady func(*Surface)

	// Sources and layers already on the map, so a failed
	// AddTransportLayers can be retried.
	sources map[string]bool
	layers  map[string]bool
}

// Create registers the tile protocol, then creates the engine map bound to
// container. onReady is called once the engine has loaded.
func Create(container string, opts Options, onReady func(*Surface)) (*Surface, error) {
	if opts.Factory == nil {
		return nil, errors.New("map surface: engine factory is required")
	}
	if opts.Attribution == "" {
		return nil, ErrAttributionRequired
	}

	s := &Surface{
		container: container,
		opts:      opts,
		padding:   DefaultPadding,
		logger:    logging.OrNop(opts.Logger).With(zap.String("container", container)),
		state:     Uninitialized,
		onReady:   onReady,
		sources:   make(map[string]bool),
		layers:    make(map[string]bool),
	}
	if opts.Padding != nil {
		s.padding = *opts.Padding
	}
	zoom := opts.Zoom
	if zoom == 0 {
		zoom = DefaultZoom
	}

	if opts.Scheme != "" {
		registry := opts.Registry
		if registry == nil {
			registry = engine.Protocols
		}
		s.lease = engine.AcquireProtocol(registry, opts.Scheme, opts.Protocol)
	}

	m, err := opts.Factory(engine.MapOptions{
		Container:           container,
		Style:               opts.Style,
		Center:              opts.Center,
		Zoom:                zoom,
		CooperativeGestures: true,
		CustomAttribution:   opts.Attribution,
	})
	if err != nil {
		s.lease.Release()
		s.state = Destroyed
		return nil, fmt.Errorf("failed to create map: %w", err)
	}

	s.m = m
	s.state = Created
	m.OnLoad(s.handleLoad)

	s.logger.Debug("map surface created", zap.String("style", opts.Style))
	return s, nil
}

func (s *Surface) handleLoad() {
	if s.state != Created {
		s.logger.Debug("ignoring load event", zap.Stringer("state", s.state))
		return
	}
	s.m.AddControl(engine.NavigationControl{})
	s.state = Loaded
	s.logger.Debug("map surface loaded")

	if s.onReady != nil {
		s.onReady(s)
	}
}

// Container returns the container the surface is bound to
func (s *Surface) Container() string {
	return s.container
}

// State returns the lifecycle state
func (s *Surface) State() State {
	return s.state
}

// Map returns the engine map
func (s *Surface) Map() engine.Map {
	return s.m
}

// AddTransportLayers provisions the transport sources and layers built from
// data. It succeeds once, after the engine has loaded. After a partial
// failure a retry refreshes the sources already added and adds the rest.
func (s *Surface) AddTransportLayers(data *models.TransportData) error {
	switch s.state {
	case Loaded:
	case LayersReady:
		return ErrLayersAlreadyAdded
	case Destroyed:
		return ErrDestroyed
	default:
		return ErrNotLoaded
	}

	lines := geometry.BuildLineCollection(data.Lines)
	points, centroids := geometry.BuildStationCollections(data.SortedStations())

	sources := []struct {
		name string
		spec engine.GeoJSONSourceSpec
	}{
		{SourceLines, engine.GeoJSONSourceSpec{Data: lines}},
		{SourceSelected, engine.GeoJSONSourceSpec{}},
		{SourceStations, engine.GeoJSONSourceSpec{Data: points}},
		{SourceStationCentres, engine.GeoJSONSourceSpec{Data: centroids}},
	}
	for _, src := range sources {
		if s.sources[src.name] {
			gs, err := s.geoJSONSource(src.name)
			if err != nil {
				return err
			}
			gs.SetData(src.spec.Data)
			continue
		}
		if err := s.m.AddSource(src.name, src.spec); err != nil {
			return fmt.Errorf("failed to add source %s: %w", src.name, err)
		}
		s.sources[src.name] = true
	}

	for _, layer := range transportLayers() {
		if s.layers[layer.ID] {
			continue
		}
		if err := s.m.AddLayer(layer); err != nil {
			return fmt.Errorf("failed to add layer %s: %w", layer.ID, err)
		}
		s.layers[layer.ID] = true
	}

	s.state = LayersReady
	s.logger.Info("transport layers added",
		zap.Int("lines", len(lines.Features)),
		zap.Int("stations", len(points.Features)),
		zap.Int("station_names", len(centroids.Features)),
	)
	return nil
}

// ReplaceTransportData swaps the data of the line and station sources for a
// refreshed dataset without recreating sources or layers.
func (s *Surface) ReplaceTransportData(data *models.TransportData) error {
	if s.state != LayersReady {
		return ErrLayersNotReady
	}

	points, centroids := geometry.BuildStationCollections(data.SortedStations())
	updates := []struct {
		name       string
		collection *geojson.FeatureCollection
	}{
		{SourceLines, geometry.BuildLineCollection(data.Lines)},
		{SourceStations, points},
		{SourceStationCentres, centroids},
	}
	for _, u := range updates {
		src, err := s.geoJSONSource(u.name)
		if err != nil {
			return err
		}
		src.SetData(u.collection)
	}

	s.logger.Info("transport data replaced", zap.Int("lines", len(data.Lines)))
	return nil
}

// SetSelectedLine highlights the lines whose key equals key and fits the
// viewport to them. The selected source always reflects key only: it is
// emptied when nothing matches, and the viewport is then left unchanged.
func (s *Surface) SetSelectedLine(key string, data *models.TransportData) error {
	if s.state == Destroyed {
		return ErrDestroyed
	}

	src, err := s.geoJSONSource(SourceSelected)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSelectedSourceMissing, err)
	}

	var lines []models.TransportLine
	if data != nil {
		lines = data.Lines
	}
	collection := geometry.FilterLineByKey(lines, key)
	src.SetData(collection)

	bound, ok := geometry.Bound(collection)
	if !ok {
		s.logger.Debug("selected line not found", zap.String("line", key))
		return nil
	}
	s.m.FitBounds(bound, engine.FitOptions{Padding: s.padding})

	s.logger.Debug("line selected", zap.String("line", key), zap.Int("features", len(collection.Features)))
	return nil
}

// ClearSelection empties the selected line source. The viewport is kept.
func (s *Surface) ClearSelection() error {
	if s.state == Destroyed {
		return ErrDestroyed
	}
	src, err := s.geoJSONSource(SourceSelected)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSelectedSourceMissing, err)
	}
	src.SetData(geojson.NewFeatureCollection())
	return nil
}

// Destroy unregisters the tile protocol and removes the engine map.
// Calling it again has no effect.
func (s *Surface) Destroy() {
	if s.state == Destroyed {
		return
	}
	s.lease.Release()
	if s.m != nil {
		s.m.Remove()
	}
	s.state = Destroyed
	s.logger.Debug("map surface destroyed")
}

func (s *Surface) geoJSONSource(name string) (*engine.GeoJSONSource, error) {
	if s.m == nil {
		return nil, ErrNotLoaded
	}
	src, ok := s.m.Source(name)
	if !ok {
		return nil, fmt.Errorf("source %s does not exist", name)
	}
	gs, ok := src.(*engine.GeoJSONSource)
	if !ok {
		return nil, fmt.Errorf("source %s is of type %s, not geojson", name, src.SourceType())
	}
	return gs, nil
}

func transportLayers() []engine.Layer {
	lineLayout := func() map[string]any {
		return map[string]any{
			"line-join": "round",
			"line-cap":  "round",
		}
	}
	return []engine.Layer{
		{
			ID:     LayerLines,
			Type:   "line",
			Source: SourceLines,
			Layout: lineLayout(),
			Paint: map[string]any{
				"line-color": "#DBB3E6",
				"line-width": 5,
			},
		},
		{
			ID:     LayerSelected,
			Type:   "line",
			Source: SourceSelected,
			Layout: lineLayout(),
			Paint: map[string]any{
				"line-color": "#836B8A",
				"line-width": 5,
			},
		},
		{
			ID:     LayerStationLabels,
			Type:   "symbol",
			Source: SourceStationCentres,
			Layout: map[string]any{
				"icon-image":  "railway_light",
				"text-anchor": "top",
				"text-field":  "{name}",
				"text-font":   []string{"Noto Sans Regular"},
				"text-offset": []float64{0, 0.8},
				"text-size":   13,
			},
		},
	}
}
