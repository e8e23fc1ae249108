// Package engine describes the capability surface of the map rendering
// engine: named GeoJSON sources, styled layers, controls, camera fitting and
// a one-shot load event. The tile scheme protocol registry lives here too,
// since the engine resolves custom tile URLs through it.
package engine

import (
	"errors"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

var (
	// ErrDuplicateSource is returned when a source id is added twice
	ErrDuplicateSource = errors.New("source already exists")
	// ErrDuplicateLayer is returned when a layer id is added twice
	ErrDuplicateLayer = errors.New("layer already exists")
	// ErrUnknownSource is returned when a layer references a missing source
	ErrUnknownSource = errors.New("source does not exist")
	// ErrRemoved is returned for operations on a removed map
	ErrRemoved = errors.New("map has been removed")
)

// Map is the part of the rendering engine the map surface drives
type Map interface {
	AddSource(name string, spec GeoJSONSourceSpec) error
	AddLayer(layer Layer) error
	// Source returns the source registered under name
	Source(name string) (Source, bool)
	FitBounds(bound orb.Bound, opts FitOptions)
	AddControl(control Control)
	// OnLoad registers a handler fired once when the engine is ready
	OnLoad(fn func())
	Remove()
}

// Factory constructs a map bound to the container named in the options
type Factory func(opts MapOptions) (Map, error)

// MapOptions configures a new map
type MapOptions struct {
	Container           string    `json:"container"`
	Style               string    `json:"style"` // Style URL
	Center              orb.Point `json:"center"`
	Zoom                float64   `json:"zoom"`
	CooperativeGestures bool      `json:"cooperativeGestures"`
	CustomAttribution   string    `json:"customAttribution"`
}

// GeoJSONSourceSpec describes a source of type "geojson"
type GeoJSONSourceSpec struct {
	Data *geojson.FeatureCollection
}

// Layer is a styled layer drawing one source
type Layer struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"` // "line", "symbol", ...
	Source string         `json:"source"`
	Layout map[string]any `json:"layout,omitempty"`
	Paint  map[string]any `json:"paint,omitempty"`
}

// Padding in screen pixels
type Padding struct {
	Top    int `json:"top" yaml:"top"`
	Bottom int `json:"bottom" yaml:"bottom"`
	Left   int `json:"left" yaml:"left"`
	Right  int `json:"right" yaml:"right"`
}

// FitOptions controls FitBounds
type FitOptions struct {
	Padding Padding `json:"padding"`
}

// Control is a UI control placed on the map
type Control interface {
	ControlType() string
}

// NavigationControl is the default pan/zoom control
type NavigationControl struct{}

// ControlType implements Control
func (NavigationControl) ControlType() string { return "navigation" }

// Source is a named map source
type Source interface {
	SourceType() string
}

// GeoJSONSource holds feature data that can be replaced after creation
type GeoJSONSource struct {
	name     string
	data     *geojson.FeatureCollection
	onChange func(name string, data *geojson.FeatureCollection)
}

// NewGeoJSONSource creates a source. onChange, if set, observes every SetData.
func NewGeoJSONSource(name string, data *geojson.FeatureCollection, onChange func(string, *geojson.FeatureCollection)) *GeoJSONSource {
	if data == nil {
		data = geojson.NewFeatureCollection()
	}
	return &GeoJSONSource{name: name, data: data, onChange: onChange}
}

// SourceType implements Source
func (s *GeoJSONSource) SourceType() string { return "geojson" }

// Name returns the source id
func (s *GeoJSONSource) Name() string { return s.name }

// Data returns the current feature collection
func (s *GeoJSONSource) Data() *geojson.FeatureCollection { return s.data }

// SetData replaces the source contents
func (s *GeoJSONSource) SetData(data *geojson.FeatureCollection) {
	if data == nil {
		data = geojson.NewFeatureCollection()
	}
	s.data = data
	if s.onChange != nil {
		s.onChange(s.name, data)
	}
}
