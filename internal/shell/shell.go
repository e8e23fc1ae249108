// Package shell hosts the transport map for the HTTP server. It owns the
// line selection, feeds fetched data to the controller and bridges the
// controller's engine maps to the viewers connected over SSE.
//
// The controller is not safe for concurrent use, so it lives on the goroutine
// running Run. Every other method posts work to that goroutine.
package shell

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chrneumann/frankfurt-tram-lines/internal/controller"
	"github.com/chrneumann/frankfurt-tram-lines/internal/engine"
	"github.com/chrneumann/frankfurt-tram-lines/internal/fetch"
	"github.com/chrneumann/frankfurt-tram-lines/internal/logging"
	"github.com/chrneumann/frankfurt-tram-lines/internal/mapsurface"
	"github.com/chrneumann/frankfurt-tram-lines/internal/sse"
	"github.com/chrneumann/frankfurt-tram-lines/models"
)

// DefaultRetryInterval is used to retry the initial fetch when periodic
// refresh is disabled.
const DefaultRetryInterval = 30 * time.Second

var (
	// ErrStopped is returned once Run has returned
	ErrStopped = errors.New("shell stopped")
	// ErrUnknownContainer is returned for load events of containers without a map
	ErrUnknownContainer = errors.New("unknown map container")
)

// Options configures a Shell
type Options struct {
	// Map is the template for every surface; Factory, Protocol and Registry
	// are set by the shell.
	Map mapsurface.Options

	// Tile protocol served while a surface is live, nil for none
	TileHandler engine.ProtocolHandler
	Registry    engine.ProtocolRegistry // engine.Protocols when nil

	ClearOnEmptySelection bool

	DataURL         string
	RefreshInterval time.Duration // 0 fetches once
	Fetcher         fetch.Fetcher

	Broker *sse.Broker
	Logger *zap.Logger
}

// Shell is the presentation shell of the transport map
type Shell struct {
	opts   Options
	logger *zap.Logger

	ops     chan func()
	stopped chan struct{}

	// Owned by the Run goroutine
	ctrl    *controller.Controller
	remotes map[string]*engine.Remote

	mu        sync.RWMutex
	data      *models.TransportData
	selection *string
	lifecycle controller.Lifecycle
}

// New creates a shell. Call Run to start it.
func New(opts Options) (*Shell, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("shell: fetcher is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("shell: broker is required")
	}
	if opts.Registry == nil {
		opts.Registry = engine.Protocols
	}

	s := &Shell{
		opts:    opts,
		logger:  logging.OrNop(opts.Logger),
		ops:     make(chan func(), 64),
		stopped: make(chan struct{}),
		remotes: make(map[string]*engine.Remote),
	}

	factory := engine.RemoteFactory(s.sinkFor, func(m *engine.Remote) {
		s.remotes[m.Container()] = m
	})

	s.ctrl = controller.New(controller.Options{
		NewSurface: func(container string, onReady func(*mapsurface.Surface)) (*mapsurface.Surface, error) {
			mo := opts.Map
			mo.Factory = factory
			mo.Registry = opts.Registry
			mo.Logger = s.logger
			if opts.TileHandler != nil {
				mo.Protocol = opts.TileHandler
			} else {
				mo.Scheme = ""
			}
			return mapsurface.Create(container, mo, onReady)
		},
		ClearOnEmpty: opts.ClearOnEmptySelection,
		Logger:       s.logger,
	})
	return s, nil
}

// sinkFor forwards the commands of the map in container to its viewer
func (s *Shell) sinkFor(container string) engine.CommandSink {
	return func(cmd engine.Command) {
		if !s.opts.Broker.Send(container, sse.Message{ID: cmd.Seq, Type: sse.TypeCommand, Data: cmd}) {
			s.logger.Debug("dropping map command for disconnected viewer",
				zap.String("container", container), zap.String("op", cmd.Op))
		}
	}
}

// Run processes events until ctx is cancelled, then destroys the map
func (s *Shell) Run(ctx context.Context) error {
	defer close(s.stopped)

	fetchCtx, cancelFetch := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.fetchLoop(fetchCtx)
	}()

	s.logger.Info("map shell started",
		zap.String("data_url", s.opts.DataURL),
		zap.Duration("refresh_interval", s.opts.RefreshInterval),
	)

	for {
		select {
		case <-ctx.Done():
			cancelFetch()
			wg.Wait()
			s.ctrl.Close()
			s.remotes = map[string]*engine.Remote{}
			s.publish()
			s.logger.Info("map shell stopped")
			return nil
		case op := <-s.ops:
			op()
		}
	}
}

// call runs fn on the Run goroutine and returns its error
func (s *Shell) call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	op := func() { result <- fn() }

	select {
	case s.ops <- op:
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch hands ev to the controller and refreshes the published state
func (s *Shell) dispatch(ev controller.Event) error {
	err := s.ctrl.Dispatch(ev)
	s.pruneRemotes()
	s.publish()

	if err != nil {
		s.logDispatchError(ev, err)
	}
	return err
}

func (s *Shell) logDispatchError(ev controller.Event, err error) {
	fields := []zap.Field{zap.String("event", fmt.Sprintf("%T", ev)), zap.Error(err)}
	switch {
	case errors.Is(err, controller.ErrClosed):
		s.logger.Debug("event dropped", fields...)
	case errors.Is(err, mapsurface.ErrSelectedSourceMissing),
		errors.Is(err, mapsurface.ErrLayersAlreadyAdded),
		errors.Is(err, mapsurface.ErrNotLoaded):
		// Sequencing bugs
		s.logger.DPanic("map sequencing violated", fields...)
	default:
		s.logger.Error("failed to handle map event", fields...)
	}
}

// pruneRemotes forgets maps of replaced containers
func (s *Shell) pruneRemotes() {
	current := s.ctrl.Container()
	for id := range s.remotes {
		if id != current {
			delete(s.remotes, id)
		}
	}
}

func (s *Shell) publish() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = s.ctrl.Data()
	s.selection = s.ctrl.Selection()
	s.lifecycle = s.ctrl.Lifecycle()
}

// Bind attaches a new viewer container. The previous container's map is
// destroyed before the new one is created.
func (s *Shell) Bind(ctx context.Context, container string) error {
	return s.call(ctx, func() error {
		return s.dispatch(controller.ContainerBound{ID: container})
	})
}

// Release detaches container. Releasing a replaced container has no effect.
func (s *Shell) Release(ctx context.Context, container string) error {
	return s.call(ctx, func() error {
		return s.dispatch(controller.ContainerReleased{ID: container})
	})
}

// Loaded reports that the viewer of container finished loading its map
func (s *Shell) Loaded(ctx context.Context, container string) error {
	return s.call(ctx, func() error {
		m, ok := s.remotes[container]
		if !ok {
			return ErrUnknownContainer
		}
		if !m.EmitLoad() {
			s.logger.Debug("duplicate load event", zap.String("container", container))
		}
		s.pruneRemotes()
		s.publish()
		return nil
	})
}

// Select is the selector's onSelect callback. A nil key clears the selection.
func (s *Shell) Select(ctx context.Context, key *string) error {
	return s.call(ctx, func() error {
		return s.dispatch(controller.SelectionChanged{Key: key})
	})
}

// SetData hands a fetched dataset to the map
func (s *Shell) SetData(ctx context.Context, data *models.TransportData) error {
	return s.call(ctx, func() error {
		return s.dispatch(controller.DataArrived{Data: data})
	})
}

// Options returns the selector options built from the current data
func (s *Shell) Options() []models.LineOption {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.data.LineOptions()
}

// Selection returns the selected line key, nil when none
func (s *Shell) Selection() *string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.selection == nil {
		return nil
	}
	key := *s.selection
	return &key
}

// Lifecycle returns the progress of the live map
func (s *Shell) Lifecycle() controller.Lifecycle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lifecycle
}

// HasData reports whether a dataset has arrived
func (s *Shell) HasData() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.data != nil
}
