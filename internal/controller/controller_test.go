package controller

import (
	"context"
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"go.uber.org/zap/zaptest"

	"github.com/chrneumann/frankfurt-tram-lines/internal/engine"
	"github.com/chrneumann/frankfurt-tram-lines/internal/mapsurface"
	"github.com/chrneumann/frankfurt-tram-lines/models"
)

type harness struct {
	t        *testing.T
	registry *engine.Registry
	maps     map[string]*engine.Remote
	ops      []string
	ctrl     *Controller
}

func newHarness(t *testing.T, clearOnEmpty bool) *harness {
	h := &harness{
		t:        t,
		registry: engine.NewRegistry(zaptest.NewLogger(t)),
		maps:     make(map[string]*engine.Remote),
	}
	logger := zaptest.NewLogger(t)

	factory := engine.RemoteFactory(
		func(string) engine.CommandSink {
			return func(c engine.Command) { h.ops = append(h.ops, c.Container+":"+c.Op) }
		},
		func(m *engine.Remote) { h.maps[m.Container()] = m },
	)

	h.ctrl = New(Options{
		NewSurface: func(container string, onReady func(*mapsurface.Surface)) (*mapsurface.Surface, error) {
			return mapsurface.Create(container, mapsurface.Options{
				Style:       "https://example.com/style.json",
				Center:      orb.Point{8.68, 50.11},
				Attribution: "© OpenStreetMap © MapTiler",
				Scheme:      "mbtiles",
				Protocol: func(context.Context, maptile.Tile) ([]byte, error) {
					return nil, engine.ErrTileNotFound
				},
				Registry: h.registry,
				Factory:  factory,
				Logger:   logger,
			}, onReady)
		},
		ClearOnEmpty: clearOnEmpty,
		Logger:       logger,
	})
	return h
}

func (h *harness) dispatch(ev Event) {
	h.t.Helper()
	if err := h.ctrl.Dispatch(ev); err != nil {
		h.t.Fatalf("Dispatch(%T) failed: %v", ev, err)
	}
}

func (h *harness) load(container string) {
	h.t.Helper()
	m, ok := h.maps[container]
	if !ok {
		h.t.Fatalf("no map for container %s", container)
	}
	m.EmitLoad()
}

func (h *harness) count(op string) int {
	n := 0
	for _, o := range h.ops {
		if o == op {
			n++
		}
	}
	return n
}

func (h *harness) index(op string) int {
	for i, o := range h.ops {
		if o == op {
			return i
		}
	}
	return -1
}

func key(s string) *string { return &s }

func dataset() *models.TransportData {
	return &models.TransportData{
		Stations: map[int64]models.Station{
			1: {ID: 1, Name: "Central", Position: orb.Point{0, 0}},
			2: {ID: 2, Name: "Central", Position: orb.Point{2, 0}},
		},
		Lines: []models.TransportLine{
			{
				Number:   5,
				From:     "Central",
				To:       "North",
				Geometry: geojson.NewGeometry(orb.MultiLineString{{{0, 0}, {2, 0}, {2, 4}}}),
				Stations: []int64{1, 2},
			},
			{
				Number:   6,
				From:     "North",
				To:       "Central",
				Geometry: geojson.NewGeometry(orb.MultiLineString{{{2, 4}, {5, 5}}}),
				Stations: []int64{2, 1},
			},
		},
	}
}

func TestDataBeforeLoad(t *testing.T) {
	h := newHarness(t, false)

	h.dispatch(ContainerBound{ID: "c1"})
	h.dispatch(DataArrived{Data: dataset()})
	h.dispatch(SelectionChanged{Key: key("5CentralNorth")})

	if n := h.count("c1:" + engine.OpAddSource); n != 0 {
		t.Fatalf("sources added before load: %d", n)
	}
	if lc := h.ctrl.Lifecycle(); !lc.ContainerBound || lc.EngineLoaded || lc.LayersProvisioned {
		t.Errorf("unexpected lifecycle before load: %+v", lc)
	}

	h.load("c1")

	if n := h.count("c1:" + engine.OpAddSource); n != 4 {
		t.Errorf("expected 4 sources after load, got %d", n)
	}
	if n := h.count("c1:" + engine.OpAddLayer); n != 3 {
		t.Errorf("expected 3 layers after load, got %d", n)
	}
	assertOrder(t, h, "c1:"+engine.OpAddControl, "c1:"+engine.OpAddSource, "c1:"+engine.OpSetData, "c1:"+engine.OpFitBounds)
	if lc := h.ctrl.Lifecycle(); !lc.EngineLoaded || !lc.LayersProvisioned {
		t.Errorf("unexpected lifecycle after load: %+v", lc)
	}
}

func TestLoadBeforeData(t *testing.T) {
	h := newHarness(t, false)

	h.dispatch(ContainerBound{ID: "c1"})
	h.dispatch(SelectionChanged{Key: key("5CentralNorth")})
	h.load("c1")

	if n := h.count("c1:" + engine.OpAddSource); n != 0 {
		t.Fatalf("sources added without data: %d", n)
	}
	if n := h.count("c1:" + engine.OpFitBounds); n != 0 {
		t.Fatalf("selection applied without layers: %d", n)
	}

	h.dispatch(DataArrived{Data: dataset()})

	if n := h.count("c1:" + engine.OpAddSource); n != 4 {
		t.Errorf("expected 4 sources, got %d", n)
	}
	assertOrder(t, h, "c1:"+engine.OpAddLayer, "c1:"+engine.OpSetData, "c1:"+engine.OpFitBounds)
}

func TestSelectionBeforeContainer(t *testing.T) {
	h := newHarness(t, false)

	h.dispatch(SelectionChanged{Key: key("6NorthCentral")})
	h.dispatch(DataArrived{Data: dataset()})
	h.dispatch(ContainerBound{ID: "c1"})
	h.load("c1")

	snap := h.maps["c1"].Snapshot()
	if n := len(snap.Sources[mapsurface.SourceSelected].Features); n != 1 {
		t.Errorf("selected source has %d features, want 1", n)
	}
}

func TestLayersAddedOncePerSurface(t *testing.T) {
	h := newHarness(t, false)

	h.dispatch(ContainerBound{ID: "c1"})
	h.load("c1")
	h.dispatch(DataArrived{Data: dataset()})
	h.dispatch(SelectionChanged{Key: key("5CentralNorth")})
	h.dispatch(SelectionChanged{Key: key("6NorthCentral")})
	h.load("c1") // duplicate load events are ignored by the engine

	if n := h.count("c1:" + engine.OpAddSource); n != 4 {
		t.Errorf("expected 4 addSource commands, got %d", n)
	}
	if n := h.count("c1:" + engine.OpFitBounds); n != 2 {
		t.Errorf("expected a viewport fit per selection, got %d", n)
	}
}

func TestRefreshedDataReplacesSourcesAndReappliesSelection(t *testing.T) {
	h := newHarness(t, false)

	h.dispatch(ContainerBound{ID: "c1"})
	h.load("c1")
	h.dispatch(DataArrived{Data: dataset()})
	h.dispatch(SelectionChanged{Key: key("5CentralNorth")})

	refreshed := dataset()
	refreshed.Lines = refreshed.Lines[1:]
	h.dispatch(DataArrived{Data: refreshed})

	if n := h.count("c1:" + engine.OpAddSource); n != 4 {
		t.Errorf("sources recreated on refresh: %d addSource commands", n)
	}
	snap := h.maps["c1"].Snapshot()
	if n := len(snap.Sources[mapsurface.SourceLines].Features); n != 1 {
		t.Errorf("lines source has %d features after refresh, want 1", n)
	}
	if n := len(snap.Sources[mapsurface.SourceSelected].Features); n != 0 {
		t.Errorf("selected line vanished from data but %d features remain highlighted", n)
	}
}

func TestEmptySelectionIsNoOpByDefault(t *testing.T) {
	h := newHarness(t, false)

	h.dispatch(ContainerBound{ID: "c1"})
	h.load("c1")
	h.dispatch(DataArrived{Data: dataset()})
	h.dispatch(SelectionChanged{Key: key("5CentralNorth")})
	before := len(h.ops)

	h.dispatch(SelectionChanged{Key: nil})
	if len(h.ops) != before {
		t.Errorf("empty selection emitted commands: %v", h.ops[before:])
	}
}

func TestEmptySelectionClearsWhenConfigured(t *testing.T) {
	h := newHarness(t, true)

	h.dispatch(ContainerBound{ID: "c1"})
	h.load("c1")
	h.dispatch(DataArrived{Data: dataset()})
	h.dispatch(SelectionChanged{Key: key("5CentralNorth")})
	h.dispatch(SelectionChanged{Key: nil})

	snap := h.maps["c1"].Snapshot()
	if n := len(snap.Sources[mapsurface.SourceSelected].Features); n != 0 {
		t.Errorf("selected source has %d features after clearing", n)
	}
}

func TestContainerReplacementDestroysFirst(t *testing.T) {
	h := newHarness(t, false)

	h.dispatch(ContainerBound{ID: "c1"})
	h.load("c1")
	h.dispatch(DataArrived{Data: dataset()})

	h.dispatch(ContainerBound{ID: "c2"})

	assertOrder(t, h, "c1:"+engine.OpRemove, "c2:"+engine.OpCreate)
	if !h.maps["c1"].Snapshot().Removed {
		t.Error("previous map not removed")
	}
	if h.registry.Schemes() != 1 {
		t.Errorf("expected exactly one registered scheme, got %d", h.registry.Schemes())
	}
	if lc := h.ctrl.Lifecycle(); lc.EngineLoaded || lc.LayersProvisioned {
		t.Errorf("lifecycle should restart for the new container: %+v", lc)
	}

	// A late load of the old map must not touch the new one.
	h.load("c1")
	if h.ctrl.Lifecycle().EngineLoaded {
		t.Error("stale load event marked the new surface as loaded")
	}

	h.load("c2")
	if n := h.count("c2:" + engine.OpAddSource); n != 4 {
		t.Errorf("new container got %d sources, want 4", n)
	}
}

func TestContainerReleased(t *testing.T) {
	h := newHarness(t, false)

	h.dispatch(ContainerBound{ID: "c1"})
	h.dispatch(ContainerReleased{ID: "stale"})
	if h.ctrl.Container() != "c1" {
		t.Fatal("release of another container unbound c1")
	}

	h.dispatch(ContainerReleased{ID: "c1"})
	if h.ctrl.Surface() != nil || h.ctrl.Container() != "" {
		t.Error("surface still bound after release")
	}
	if _, ok := h.registry.Lookup("mbtiles"); ok {
		t.Error("protocol still registered after release")
	}
}

func TestCloseDropsLateEvents(t *testing.T) {
	h := newHarness(t, false)

	h.dispatch(ContainerBound{ID: "c1"})
	h.ctrl.Close()
	h.ctrl.Close()

	if err := h.ctrl.Dispatch(DataArrived{Data: dataset()}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed for late data, got %v", err)
	}
	if h.ctrl.Data() != nil {
		t.Error("late data was stored after close")
	}
	if _, ok := h.registry.Lookup("mbtiles"); ok {
		t.Error("protocol still registered after close")
	}
	if !h.ctrl.Closed() {
		t.Error("Closed() = false after Close")
	}
}

func TestSurfaceFactoryError(t *testing.T) {
	ctrl := New(Options{
		NewSurface: func(string, func(*mapsurface.Surface)) (*mapsurface.Surface, error) {
			return nil, errors.New("boom")
		},
	})
	if err := ctrl.Dispatch(ContainerBound{ID: "c1"}); err == nil {
		t.Fatal("expected error")
	}
	if ctrl.Container() != "" {
		t.Errorf("container = %q after failed bind", ctrl.Container())
	}
	if err := ctrl.Dispatch(ContainerBound{ID: ""}); err == nil {
		t.Error("expected error for empty container id")
	}
}

func assertOrder(t *testing.T, h *harness, ops ...string) {
	t.Helper()
	last := -1
	for _, op := range ops {
		i := h.index(op)
		if i < 0 {
			t.Errorf("op %s never emitted (ops: %v)", op, h.ops)
			return
		}
		if i < last {
			t.Errorf("op %s emitted out of order (ops: %v)", op, h.ops)
		}
		last = i
	}
}
