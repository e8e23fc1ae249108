package mapsurface

import (
	"context"
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"go.uber.org/zap/zaptest"

	"github.com/chrneumann/frankfurt-tram-lines/internal/engine"
	"github.com/chrneumann/frankfurt-tram-lines/models"
)

// countingRegistry records protocol registrations
type countingRegistry struct {
	active  map[string]int
	adds    int
	removes int
}

func newCountingRegistry() *countingRegistry {
	return &countingRegistry{active: make(map[string]int)}
}

func (r *countingRegistry) AddProtocol(scheme string, _ engine.ProtocolHandler) {
	r.adds++
	r.active[scheme]++
}

func (r *countingRegistry) RemoveProtocol(scheme string) {
	r.removes++
	r.active[scheme]--
}

func noTiles(context.Context, maptile.Tile) ([]byte, error) {
	return nil, engine.ErrTileNotFound
}

type fixture struct {
	registry *countingRegistry
	maps     []*engine.Remote
	commands []engine.Command
	opts     Options
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{registry: newCountingRegistry()}
	f.opts = Options{
		Style:       "https://example.com/style.json",
		Center:      orb.Point{8.68, 50.11},
		Attribution: "© OpenStreetMap contributors © MapTiler",
		Scheme:      "mbtiles",
		Protocol:    noTiles,
		Registry:    f.registry,
		Factory: engine.RemoteFactory(
			func(string) engine.CommandSink {
				return func(c engine.Command) { f.commands = append(f.commands, c) }
			},
			func(m *engine.Remote) { f.maps = append(f.maps, m) },
		),
		Logger: zaptest.NewLogger(t),
	}
	return f
}

func (f *fixture) lastMap() *engine.Remote {
	return f.maps[len(f.maps)-1]
}

func sampleData() *models.TransportData {
	return &models.TransportData{
		Stations: map[int64]models.Station{
			1: {ID: 1, Name: "Central", Position: orb.Point{0, 0}},
			2: {ID: 2, Name: "Central", Position: orb.Point{2, 0}},
			3: {ID: 3, Name: "North", Position: orb.Point{2, 4}},
		},
		Lines: []models.TransportLine{
			{
				Number:   5,
				From:     "Central",
				To:       "North",
				Geometry: geojson.NewGeometry(orb.MultiLineString{{{0, 0}, {2, 0}, {2, 4}}}),
				Stations: []int64{1, 2, 3},
			},
			{
				Number:   7,
				From:     "North",
				To:       "Central",
				Geometry: geojson.NewGeometry(orb.MultiLineString{{{2, 4}, {-1, -1}}}),
				Stations: []int64{3, 1},
			},
		},
	}
}

func loadedSurface(t *testing.T, f *fixture) *Surface {
	t.Helper()
	var ready *Surface
	s, err := Create("c1", f.opts, func(s *Surface) { ready = s })
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	f.lastMap().EmitLoad()
	if ready != s {
		t.Fatal("ready callback did not receive the surface")
	}
	return s
}

func TestCreateRegistersProtocolBeforeMap(t *testing.T) {
	f := newFixture(t)
	factory := f.opts.Factory
	f.opts.Factory = func(opts engine.MapOptions) (engine.Map, error) {
		if f.registry.active["mbtiles"] != 1 {
			t.Error("protocol must be registered before the map is constructed")
		}
		return factory(opts)
	}

	s, err := Create("c1", f.opts, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if s.State() != Created {
		t.Errorf("state = %s, want created", s.State())
	}

	opts := f.lastMap().Snapshot().Options
	if opts.Zoom != DefaultZoom {
		t.Errorf("zoom = %v, want %v", opts.Zoom, DefaultZoom)
	}
	if !opts.CooperativeGestures {
		t.Error("cooperative gestures should be enabled")
	}
	if opts.CustomAttribution != f.opts.Attribution {
		t.Errorf("attribution = %q", opts.CustomAttribution)
	}
	if opts.Style != f.opts.Style || opts.Center != f.opts.Center || opts.Container != "c1" {
		t.Errorf("unexpected map options: %+v", opts)
	}
}

func TestCreateRequiresAttribution(t *testing.T) {
	f := newFixture(t)
	f.opts.Attribution = ""
	if _, err := Create("c1", f.opts, nil); !errors.Is(err, ErrAttributionRequired) {
		t.Errorf("expected ErrAttributionRequired, got %v", err)
	}
	if f.registry.adds != 0 {
		t.Error("protocol registered although creation was rejected")
	}
}

func TestCreateReleasesProtocolWhenFactoryFails(t *testing.T) {
	f := newFixture(t)
	f.opts.Factory = func(engine.MapOptions) (engine.Map, error) {
		return nil, errors.New("no webgl")
	}
	if _, err := Create("c1", f.opts, nil); err == nil {
		t.Fatal("expected error")
	}
	if f.registry.active["mbtiles"] != 0 {
		t.Error("protocol leaked after failed creation")
	}
}

func TestLoadAddsNavigationAndCallsReady(t *testing.T) {
	f := newFixture(t)
	s := loadedSurface(t, f)

	if s.State() != Loaded {
		t.Errorf("state = %s, want loaded", s.State())
	}
	controls := f.lastMap().Snapshot().Controls
	if len(controls) != 1 || controls[0] != "navigation" {
		t.Errorf("controls = %v, want [navigation]", controls)
	}
}

func TestAddTransportLayers(t *testing.T) {
	f := newFixture(t)

	s, err := Create("c1", f.opts, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.AddTransportLayers(sampleData()); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("expected ErrNotLoaded before load, got %v", err)
	}

	f.lastMap().EmitLoad()
	if err := s.AddTransportLayers(sampleData()); err != nil {
		t.Fatalf("AddTransportLayers failed: %v", err)
	}
	if s.State() != LayersReady {
		t.Errorf("state = %s, want layers_ready", s.State())
	}

	snap := f.lastMap().Snapshot()
	wantSources := map[string]int{
		SourceLines:          2,
		SourceSelected:       0,
		SourceStations:       3,
		SourceStationCentres: 2,
	}
	for name, count := range wantSources {
		fc, ok := snap.Sources[name]
		if !ok {
			t.Errorf("source %s missing", name)
			continue
		}
		if len(fc.Features) != count {
			t.Errorf("source %s has %d features, want %d", name, len(fc.Features), count)
		}
	}

	wantLayers := []struct{ id, typ, source string }{
		{LayerLines, "line", SourceLines},
		{LayerSelected, "line", SourceSelected},
		{LayerStationLabels, "symbol", SourceStationCentres},
	}
	if len(snap.Layers) != len(wantLayers) {
		t.Fatalf("got %d layers, want %d", len(snap.Layers), len(wantLayers))
	}
	for i, want := range wantLayers {
		got := snap.Layers[i]
		if got.ID != want.id || got.Type != want.typ || got.Source != want.source {
			t.Errorf("layer %d = %s/%s/%s, want %s/%s/%s", i, got.ID, got.Type, got.Source, want.id, want.typ, want.source)
		}
	}

	if err := s.AddTransportLayers(sampleData()); !errors.Is(err, ErrLayersAlreadyAdded) {
		t.Errorf("expected ErrLayersAlreadyAdded, got %v", err)
	}
}

// flakyLayerMap fails the first AddLayer call for one layer id
type flakyLayerMap struct {
	engine.Map
	failLayer string
	failed    bool
}

func (m *flakyLayerMap) AddLayer(layer engine.Layer) error {
	if layer.ID == m.failLayer && !m.failed {
		m.failed = true
		return errors.New("style not ready")
	}
	return m.Map.AddLayer(layer)
}

func TestAddTransportLayersRetriesAfterPartialFailure(t *testing.T) {
	f := newFixture(t)
	remote := f.opts.Factory
	f.opts.Factory = func(opts engine.MapOptions) (engine.Map, error) {
		m, err := remote(opts)
		if err != nil {
			return nil, err
		}
		return &flakyLayerMap{Map: m, failLayer: LayerStationLabels}, nil
	}
	s := loadedSurface(t, f)

	if err := s.AddTransportLayers(sampleData()); err == nil {
		t.Fatal("expected the first attempt to fail")
	}
	if s.State() != Loaded {
		t.Errorf("state = %s after failure, want loaded", s.State())
	}

	refreshed := sampleData()
	refreshed.Lines = refreshed.Lines[:1]
	if err := s.AddTransportLayers(refreshed); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if s.State() != LayersReady {
		t.Errorf("state = %s, want layers_ready", s.State())
	}

	snap := f.lastMap().Snapshot()
	if len(snap.Layers) != 3 {
		t.Errorf("got %d layers, want 3", len(snap.Layers))
	}
	if got := len(snap.Sources[SourceLines].Features); got != 1 {
		t.Errorf("lines source has %d features, want the retried data's 1", got)
	}

	if err := s.SetSelectedLine("5CentralNorth", refreshed); err != nil {
		t.Errorf("selection after retry failed: %v", err)
	}
}

func TestSetSelectedLine(t *testing.T) {
	f := newFixture(t)
	s := loadedSurface(t, f)
	data := sampleData()
	if err := s.AddTransportLayers(data); err != nil {
		t.Fatalf("AddTransportLayers failed: %v", err)
	}

	if err := s.SetSelectedLine("5CentralNorth", data); err != nil {
		t.Fatalf("SetSelectedLine failed: %v", err)
	}

	snap := f.lastMap().Snapshot()
	selected := snap.Sources[SourceSelected]
	if len(selected.Features) != 1 {
		t.Fatalf("selected source has %d features, want 1", len(selected.Features))
	}
	if !orb.Equal(selected.Features[0].Geometry, data.Lines[0].OrbGeometry()) {
		t.Errorf("selected geometry = %v", selected.Features[0].Geometry)
	}
	if snap.Camera.Bounds == nil {
		t.Fatal("viewport was not fitted")
	}
	wantBound := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{2, 4}}
	if !snap.Camera.Bounds.Equal(wantBound) {
		t.Errorf("fitted bounds = %v, want %v", *snap.Camera.Bounds, wantBound)
	}
	if snap.Camera.Padding != DefaultPadding {
		t.Errorf("padding = %+v, want %+v", snap.Camera.Padding, DefaultPadding)
	}
	if p := snap.Camera.Padding; p.Top <= p.Bottom || p.Top <= p.Left || p.Top <= p.Right {
		t.Errorf("top padding should exceed the others: %+v", p)
	}
}

func TestSetSelectedLineIsIdempotent(t *testing.T) {
	f := newFixture(t)
	s := loadedSurface(t, f)
	data := sampleData()
	if err := s.AddTransportLayers(data); err != nil {
		t.Fatalf("AddTransportLayers failed: %v", err)
	}

	if err := s.SetSelectedLine("7NorthCentral", data); err != nil {
		t.Fatalf("SetSelectedLine failed: %v", err)
	}
	once := f.lastMap().Snapshot()

	if err := s.SetSelectedLine("7NorthCentral", data); err != nil {
		t.Fatalf("SetSelectedLine failed: %v", err)
	}
	twice := f.lastMap().Snapshot()

	a, b := once.Sources[SourceSelected], twice.Sources[SourceSelected]
	if len(a.Features) != len(b.Features) || !orb.Equal(a.Features[0].Geometry, b.Features[0].Geometry) {
		t.Error("selected source differs after repeated selection")
	}
	if !once.Camera.Bounds.Equal(*twice.Camera.Bounds) || once.Camera.Padding != twice.Camera.Padding {
		t.Error("viewport differs after repeated selection")
	}
}

func TestSetSelectedLineNoMatchClearsWithoutMovingViewport(t *testing.T) {
	f := newFixture(t)
	s := loadedSurface(t, f)
	data := sampleData()
	if err := s.AddTransportLayers(data); err != nil {
		t.Fatalf("AddTransportLayers failed: %v", err)
	}
	if err := s.SetSelectedLine("5CentralNorth", data); err != nil {
		t.Fatalf("SetSelectedLine failed: %v", err)
	}
	before := f.lastMap().Snapshot().Camera

	if err := s.SetSelectedLine("99NowhereElse", data); err != nil {
		t.Fatalf("unknown key should not fail: %v", err)
	}

	snap := f.lastMap().Snapshot()
	if n := len(snap.Sources[SourceSelected].Features); n != 0 {
		t.Errorf("selected source still holds %d features from the previous key", n)
	}
	if !snap.Camera.Bounds.Equal(*before.Bounds) {
		t.Errorf("viewport moved on unknown key: %v -> %v", *before.Bounds, *snap.Camera.Bounds)
	}
}

func TestSetSelectedLineBeforeLayersIsProgrammerError(t *testing.T) {
	f := newFixture(t)
	s := loadedSurface(t, f)

	err := s.SetSelectedLine("5CentralNorth", sampleData())
	if !errors.Is(err, ErrSelectedSourceMissing) {
		t.Errorf("expected ErrSelectedSourceMissing, got %v", err)
	}
}

func TestReplaceTransportData(t *testing.T) {
	f := newFixture(t)
	s := loadedSurface(t, f)

	if err := s.ReplaceTransportData(sampleData()); !errors.Is(err, ErrLayersNotReady) {
		t.Errorf("expected ErrLayersNotReady, got %v", err)
	}
	if err := s.AddTransportLayers(sampleData()); err != nil {
		t.Fatalf("AddTransportLayers failed: %v", err)
	}

	refreshed := sampleData()
	refreshed.Lines = refreshed.Lines[:1]
	delete(refreshed.Stations, 3)
	if err := s.ReplaceTransportData(refreshed); err != nil {
		t.Fatalf("ReplaceTransportData failed: %v", err)
	}

	snap := f.lastMap().Snapshot()
	if n := len(snap.Sources[SourceLines].Features); n != 1 {
		t.Errorf("lines source has %d features, want 1", n)
	}
	if n := len(snap.Sources[SourceStations].Features); n != 2 {
		t.Errorf("stations source has %d features, want 2", n)
	}
	if n := len(snap.Sources[SourceStationCentres].Features); n != 1 {
		t.Errorf("centroids source has %d features, want 1", n)
	}
	if len(snap.Layers) != 3 {
		t.Errorf("layers were recreated: %d layers", len(snap.Layers))
	}
}

func TestClearSelection(t *testing.T) {
	f := newFixture(t)
	s := loadedSurface(t, f)
	data := sampleData()
	if err := s.AddTransportLayers(data); err != nil {
		t.Fatalf("AddTransportLayers failed: %v", err)
	}
	if err := s.SetSelectedLine("5CentralNorth", data); err != nil {
		t.Fatalf("SetSelectedLine failed: %v", err)
	}
	if err := s.ClearSelection(); err != nil {
		t.Fatalf("ClearSelection failed: %v", err)
	}
	if n := len(f.lastMap().Snapshot().Sources[SourceSelected].Features); n != 0 {
		t.Errorf("selected source has %d features after clear", n)
	}
}

func TestDestroyReleasesProtocolOnce(t *testing.T) {
	f := newFixture(t)
	s := loadedSurface(t, f)

	s.Destroy()
	s.Destroy()

	if f.registry.removes != 1 {
		t.Errorf("protocol removed %d times, want 1", f.registry.removes)
	}
	if f.registry.active["mbtiles"] != 0 {
		t.Error("protocol still registered after destroy")
	}
	if s.State() != Destroyed {
		t.Errorf("state = %s, want destroyed", s.State())
	}
	if !f.lastMap().Snapshot().Removed {
		t.Error("engine map was not removed")
	}
	if err := s.SetSelectedLine("5CentralNorth", sampleData()); !errors.Is(err, ErrDestroyed) {
		t.Errorf("expected ErrDestroyed, got %v", err)
	}
}

func TestSequentialSurfacesNeverDoubleRegister(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		s, err := Create("c1", f.opts, nil)
		if err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
		if f.registry.active["mbtiles"] != 1 {
			t.Errorf("iteration %d: %d active registrations, want 1", i, f.registry.active["mbtiles"])
		}
		s.Destroy()
	}
	if f.registry.adds != 3 || f.registry.removes != 3 {
		t.Errorf("adds=%d removes=%d, want 3/3", f.registry.adds, f.registry.removes)
	}
}

func TestLoadAfterDestroyIsIgnored(t *testing.T) {
	f := newFixture(t)
	called := false
	s, err := Create("c1", f.opts, func(*Surface) { called = true })
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	m := f.lastMap()
	s.Destroy()
	m.EmitLoad()

	if called {
		t.Error("ready callback fired after destroy")
	}
	if s.State() != Destroyed {
		t.Errorf("state = %s, want destroyed", s.State())
	}
}

func TestCreateWithoutScheme(t *testing.T) {
	f := newFixture(t)
	f.opts.Scheme = ""
	s, err := Create("c1", f.opts, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	s.Destroy()
	if f.registry.adds != 0 || f.registry.removes != 0 {
		t.Errorf("registry touched without scheme: adds=%d removes=%d", f.registry.adds, f.registry.removes)
	}
}
