// Package controller sequences the map surface against asynchronously
// arriving inputs: container binding, engine readiness, transport data and
// the line selection.
//
// The controller is a single-threaded state machine. Events are pushed in
// through Dispatch; events raised while another one is being handled (the
// engine load callback, for example) are queued and handled afterwards, so
// handlers never run re-entrantly.
package controller

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/chrneumann/frankfurt-tram-lines/internal/logging"
	"github.com/chrneumann/frankfurt-tram-lines/internal/mapsurface"
	"github.com/chrneumann/frankfurt-tram-lines/models"
)

// ErrClosed is returned by Dispatch after Close
var ErrClosed = errors.New("controller closed")

// Event is an input to the controller
type Event interface {
	event()
}

// ContainerBound reports that a container is available for the map.
// Binding a new container replaces the previous one.
type ContainerBound struct {
	ID string
}

// ContainerReleased reports that a container went away
type ContainerReleased struct {
	ID string
}

// DataArrived delivers a complete transport dataset
type DataArrived struct {
	Data *models.TransportData
}

// SelectionChanged carries the new line selection, nil for none
type SelectionChanged struct {
	Key *string
}

// surfaceReady is raised by the surface once its engine has loaded
type surfaceReady struct {
	surface *mapsurface.Surface
}

func (ContainerBound) event()    {}
func (ContainerReleased) event() {}
func (DataArrived) event()       {}
func (SelectionChanged) event()  {}
func (surfaceReady) event()      {}

// SurfaceFactory creates the surface for a container
type SurfaceFactory func(container string, onReady func(*mapsurface.Surface)) (*mapsurface.Surface, error)

// Lifecycle is the observable progress of the current map
type Lifecycle struct {
	ContainerBound    bool `json:"containerBound"`
	EngineLoaded      bool `json:"engineLoaded"`
	LayersProvisioned bool `json:"layersProvisioned"`
}

// Options configures a Controller
type Options struct {
	NewSurface SurfaceFactory

	// ClearOnEmpty empties the highlight when the selection is cleared.
	// By default an empty selection leaves the map untouched.
	ClearOnEmpty bool

	Logger *zap.Logger
}

// Controller holds the inputs by value and drives the surface
type Controller struct {
	newSurface   SurfaceFactory
	clearOnEmpty bool
	logger       *zap.Logger

	container   string
	surface     *mapsurface.Surface
	loaded      bool
	layersReady bool
	data        *models.TransportData
	selection   *string

	queue       []Event
	dispatching bool
	closed      bool
}

// New creates a controller with no container, data or selection
func New(opts Options) *Controller {
	return &Controller{
		newSurface:   opts.NewSurface,
		clearOnEmpty: opts.ClearOnEmpty,
		logger:       logging.OrNop(opts.Logger),
	}
}

// Dispatch handles ev and every event raised while handling it.
// The first error aborts the remaining queue and is returned.
func (c *Controller) Dispatch(ev Event) error {
	if c.closed {
		c.logger.Debug("dropping event for closed controller", zap.String("event", fmt.Sprintf("%T", ev)))
		return ErrClosed
	}

	c.queue = append(c.queue, ev)
	if c.dispatching {
		return nil
	}

	c.dispatching = true
	defer func() { c.dispatching = false }()

	for len(c.queue) > 0 && !c.closed {
		next := c.queue[0]
		c.queue = c.queue[1:]
		if err := c.handle(next); err != nil {
			c.queue = nil
			return err
		}
	}
	c.queue = nil
	return nil
}

func (c *Controller) handle(ev Event) error {
	switch ev := ev.(type) {
	case ContainerBound:
		return c.bindContainer(ev.ID)
	case ContainerReleased:
		if ev.ID != c.container {
			c.logger.Debug("ignoring release of stale container", zap.String("container", ev.ID))
			return nil
		}
		c.teardown()
		return nil
	case surfaceReady:
		if ev.surface != c.surface {
			c.logger.Debug("ignoring ready event of replaced surface", zap.String("container", ev.surface.Container()))
			return nil
		}
		c.loaded = true
		return c.sync(true)
	case DataArrived:
		c.data = ev.Data
		return c.sync(true)
	case SelectionChanged:
		c.selection = ev.Key
		return c.sync(false)
	default:
		return fmt.Errorf("unknown event %T", ev)
	}
}

// bindContainer tears down the surface of the previous container before
// creating the one for id.
func (c *Controller) bindContainer(id string) error {
	if id == "" {
		return errors.New("container id is required")
	}
	if c.surface != nil {
		c.teardown()
	}

	c.container = id
	surface, err := c.newSurface(id, c.surfaceLoaded)
	if err != nil {
		c.container = ""
		return fmt.Errorf("failed to create map surface: %w", err)
	}
	c.surface = surface

	c.logger.Info("map surface bound", zap.String("container", id))
	return nil
}

// surfaceLoaded runs inside the engine's load handler. During a dispatch the
// event is queued behind the current one; otherwise it is handled directly.
func (c *Controller) surfaceLoaded(s *mapsurface.Surface) {
	if err := c.Dispatch(surfaceReady{surface: s}); err != nil && !errors.Is(err, ErrClosed) {
		c.logger.Error("failed to handle map load", zap.String("container", s.Container()), zap.Error(err))
	}
}

func (c *Controller) teardown() {
	if c.surface != nil {
		c.surface.Destroy()
		c.logger.Info("map surface destroyed", zap.String("container", c.container))
	}
	c.surface = nil
	c.container = ""
	c.loaded = false
	c.layersReady = false
}

// sync applies the layer and selection rules in dependency order.
// dataChanged is false when only the selection changed.
func (c *Controller) sync(dataChanged bool) error {
	if c.surface == nil || !c.loaded || c.data == nil {
		return nil
	}

	if dataChanged {
		if !c.layersReady {
			if err := c.surface.AddTransportLayers(c.data); err != nil {
				return fmt.Errorf("failed to add transport layers: %w", err)
			}
			c.layersReady = true
		} else if err := c.surface.ReplaceTransportData(c.data); err != nil {
			return fmt.Errorf("failed to replace transport data: %w", err)
		}
	}

	if !c.layersReady {
		return nil
	}
	if c.selection == nil {
		if c.clearOnEmpty && !dataChanged {
			return c.surface.ClearSelection()
		}
		return nil
	}
	if err := c.surface.SetSelectedLine(*c.selection, c.data); err != nil {
		return fmt.Errorf("failed to select line %q: %w", *c.selection, err)
	}
	return nil
}

// Close destroys the surface. Events dispatched afterwards, such as a
// fetch completing late, are dropped.
func (c *Controller) Close() {
	if c.closed {
		return
	}
	c.teardown()
	c.closed = true
	c.queue = nil
}

// Closed reports whether Close has been called
func (c *Controller) Closed() bool {
	return c.closed
}

// Lifecycle returns the progress of the current map
func (c *Controller) Lifecycle() Lifecycle {
	return Lifecycle{
		ContainerBound:    c.surface != nil,
		EngineLoaded:      c.loaded,
		LayersProvisioned: c.layersReady,
	}
}

// Container returns the id of the bound container, empty when none
func (c *Controller) Container() string {
	return c.container
}

// Surface returns the current surface, nil when no container is bound
func (c *Controller) Surface() *mapsurface.Surface {
	return c.surface
}

// Data returns the current transport data
func (c *Controller) Data() *models.TransportData {
	return c.data
}

// Selection returns the current selection
func (c *Controller) Selection() *string {
	return c.selection
}
