package engine

import (
	"fmt"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Command operations emitted by Remote
const (
	OpCreate     = "create"
	OpAddSource  = "addSource"
	OpAddLayer   = "addLayer"
	OpSetData    = "setData"
	OpFitBounds  = "fitBounds"
	OpAddControl = "addControl"
	OpRemove     = "remove"
)

// Command is one engine mutation, applied in order by the browser client
type Command struct {
	Seq       int64  `json:"seq"`
	Container string `json:"container"`
	Op        string `json:"op"`
	Payload   any    `json:"payload,omitempty"`
}

// CommandSink receives the commands of a Remote map
type CommandSink func(Command)

// SourcePayload is the payload of addSource and setData commands
type SourcePayload struct {
	ID   string                     `json:"id"`
	Type string                     `json:"type,omitempty"`
	Data *geojson.FeatureCollection `json:"data"`
}

// FitBoundsPayload is the payload of fitBounds commands.
// Bounds are [[west, south], [east, north]].
type FitBoundsPayload struct {
	Bounds  [2]orb.Point `json:"bounds"`
	Padding Padding      `json:"padding"`
}

// Camera is the last viewport requested on a Remote map
type Camera struct {
	Center  orb.Point
	Zoom    float64
	Bounds  *orb.Bound // set by FitBounds
	Padding Padding
}

// Snapshot is a copy of the state of a Remote map
type Snapshot struct {
	Options  MapOptions
	Sources  map[string]*geojson.FeatureCollection
	Layers   []Layer
	Controls []string
	Camera   Camera
	Loaded   bool
	Removed  bool
}

// Remote is a headless Map. It keeps the map state in memory and emits
// every mutation to a sink, which forwards it to the browser rendering it.
// The browser reports readiness back through EmitLoad.
type Remote struct {
	mu sync.Mutex

	opts     MapOptions
	sink     CommandSink
	seq      int64
	sources  map[string]Source
	layers   []Layer
	layerIDs map[string]bool
	controls []Control
	camera   Camera

	loadHandlers []func()
	loaded       bool
	removed      bool
}

// NewRemote creates a map and emits its create command
func NewRemote(opts MapOptions, sink CommandSink) *Remote {
	m := &Remote{
		opts:     opts,
		sink:     sink,
		sources:  make(map[string]Source),
		layerIDs: make(map[string]bool),
		camera:   Camera{Center: opts.Center, Zoom: opts.Zoom},
	}
	m.emit(OpCreate, opts)
	return m
}

// RemoteFactory returns a Factory creating Remote maps whose commands go to
// the sink returned by sinkFor for the map's container.
func RemoteFactory(sinkFor func(container string) CommandSink, created func(*Remote)) Factory {
	return func(opts MapOptions) (Map, error) {
		if opts.Container == "" {
			return nil, fmt.Errorf("map options: container is required")
		}
		m := NewRemote(opts, sinkFor(opts.Container))
		if created != nil {
			created(m)
		}
		return m, nil
	}
}

func (m *Remote) emit(op string, payload any) {
	m.seq++
	if m.sink == nil {
		return
	}
	m.sink(Command{Seq: m.seq, Container: m.opts.Container, Op: op, Payload: payload})
}

// Container returns the container the map is bound to
func (m *Remote) Container() string {
	return m.opts.Container
}

// AddSource implements Map
func (m *Remote) AddSource(name string, spec GeoJSONSourceSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.removed {
		return ErrRemoved
	}
	if _, exists := m.sources[name]; exists {
		return fmt.Errorf("add source %q: %w", name, ErrDuplicateSource)
	}

	src := NewGeoJSONSource(name, spec.Data, m.sourceChanged)
	m.sources[name] = src
	m.emit(OpAddSource, SourcePayload{ID: name, Type: src.SourceType(), Data: src.Data()})
	return nil
}

// sourceChanged is called by GeoJSONSource.SetData with m.mu not held
func (m *Remote) sourceChanged(name string, data *geojson.FeatureCollection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.removed {
		return
	}
	m.emit(OpSetData, SourcePayload{ID: name, Data: data})
}

// AddLayer implements Map
func (m *Remote) AddLayer(layer Layer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.removed {
		return ErrRemoved
	}
	if m.layerIDs[layer.ID] {
		return fmt.Errorf("add layer %q: %w", layer.ID, ErrDuplicateLayer)
	}
	if _, ok := m.sources[layer.Source]; !ok {
		return fmt.Errorf("add layer %q with source %q: %w", layer.ID, layer.Source, ErrUnknownSource)
	}

	m.layerIDs[layer.ID] = true
	m.layers = append(m.layers, layer)
	m.emit(OpAddLayer, layer)
	return nil
}

// Source implements Map
func (m *Remote) Source(name string) (Source, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.sources[name]
	return src, ok
}

// FitBounds implements Map
func (m *Remote) FitBounds(bound orb.Bound, opts FitOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.removed {
		return
	}
	b := bound
	m.camera.Bounds = &b
	m.camera.Center = bound.Center()
	m.camera.Padding = opts.Padding
	m.emit(OpFitBounds, FitBoundsPayload{
		Bounds:  [2]orb.Point{bound.Min, bound.Max},
		Padding: opts.Padding,
	})
}

// AddControl implements Map
func (m *Remote) AddControl(control Control) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.removed {
		return
	}
	m.controls = append(m.controls, control)
	m.emit(OpAddControl, map[string]string{"type": control.ControlType()})
}

// OnLoad implements Map
func (m *Remote) OnLoad(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.loadHandlers = append(m.loadHandlers, fn)
}

// EmitLoad fires the load handlers. It reports false when the map was
// already loaded or has been removed, in which case nothing is fired.
func (m *Remote) EmitLoad() bool {
	m.mu.Lock()
	if m.loaded || m.removed {
		m.mu.Unlock()
		return false
	}
	m.loaded = true
	handlers := m.loadHandlers
	m.loadHandlers = nil
	m.mu.Unlock()

	// Handlers call back into the map, so they run without the lock.
	for _, fn := range handlers {
		fn()
	}
	return true
}

// Remove implements Map
func (m *Remote) Remove() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.removed {
		return
	}
	m.emit(OpRemove, nil)
	m.removed = true
	m.loadHandlers = nil
}

// Snapshot returns a copy of the map state
func (m *Remote) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Options: m.opts,
		Sources: make(map[string]*geojson.FeatureCollection, len(m.sources)),
		Layers:  append([]Layer(nil), m.layers...),
		Camera:  m.camera,
		Loaded:  m.loaded,
		Removed: m.removed,
	}
	for name, src := range m.sources {
		if gs, ok := src.(*GeoJSONSource); ok {
			snap.Sources[name] = gs.Data()
		}
	}
	for _, c := range m.controls {
		snap.Controls = append(snap.Controls, c.ControlType())
	}
	if m.camera.Bounds != nil {
		b := *m.camera.Bounds
		snap.Camera.Bounds = &b
	}
	return snap
}
