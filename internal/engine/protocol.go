package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/paulmach/orb/maptile"
	"go.uber.org/zap"
)

// ErrTileNotFound is returned by protocol handlers for tiles outside the archive
var ErrTileNotFound = errors.New("tile not found")

// ProtocolHandler resolves a tile of a custom URL scheme
type ProtocolHandler func(ctx context.Context, tile maptile.Tile) ([]byte, error)

// ProtocolRegistry maps URL schemes to tile handlers
type ProtocolRegistry interface {
	AddProtocol(scheme string, handler ProtocolHandler)
	RemoveProtocol(scheme string)
}

// Registry is a ProtocolRegistry safe for concurrent use.
// Registering a scheme twice replaces the handler; the last registration wins.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]ProtocolHandler
	logger   *zap.Logger
}

// Protocols is the process-wide registry consulted by the tile endpoint
var Protocols = NewRegistry(nil)

// NewRegistry creates an empty registry. A nil logger uses zap's global logger.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]ProtocolHandler),
		logger:   logger,
	}
}

func (r *Registry) log() *zap.Logger {
	if r.logger == nil {
		return zap.L()
	}
	return r.logger
}

// AddProtocol registers handler for scheme
func (r *Registry) AddProtocol(scheme string, handler ProtocolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[scheme]; exists {
		r.log().Warn("tile protocol registered twice, replacing handler", zap.String("scheme", scheme))
	}
	r.handlers[scheme] = handler
	r.log().Debug("tile protocol registered", zap.String("scheme", scheme))
}

// RemoveProtocol unregisters scheme
func (r *Registry) RemoveProtocol(scheme string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[scheme]; !exists {
		r.log().Warn("removing unregistered tile protocol", zap.String("scheme", scheme))
		return
	}
	delete(r.handlers, scheme)
	r.log().Debug("tile protocol removed", zap.String("scheme", scheme))
}

// Lookup returns the handler registered for scheme
func (r *Registry) Lookup(scheme string) (ProtocolHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[scheme]
	return h, ok
}

// Schemes returns the number of registered schemes
func (r *Registry) Schemes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.handlers)
}

// ProtocolLease is a protocol registration owned by one map lifetime
type ProtocolLease struct {
	registry ProtocolRegistry
	scheme   string
	released bool
}

// AcquireProtocol registers handler for scheme and returns the lease that
// undoes the registration.
func AcquireProtocol(registry ProtocolRegistry, scheme string, handler ProtocolHandler) *ProtocolLease {
	registry.AddProtocol(scheme, handler)
	return &ProtocolLease{registry: registry, scheme: scheme}
}

// Scheme returns the leased scheme
func (l *ProtocolLease) Scheme() string {
	return l.scheme
}

// Release removes the registration. Only the first call has an effect.
func (l *ProtocolLease) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	l.registry.RemoveProtocol(l.scheme)
}

// Released reports whether Release has been called
func (l *ProtocolLease) Released() bool {
	return l == nil || l.released
}
