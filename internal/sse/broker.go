// Package sse streams map commands to connected viewers as Server-Sent Events
package sse

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chrneumann/frankfurt-tram-lines/internal/logging"
)

// Message types
const (
	TypeConnected = "connected"
	TypeCommand   = "command"
)

// DefaultBufferSize is the number of messages queued per client
const DefaultBufferSize = 256

// Message is one Server-Sent Event
type Message struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Broker keeps one message channel per connected client
type Broker struct {
	mu         sync.RWMutex
	clients    map[string]chan Message
	bufferSize int
	logger     *zap.Logger
}

// NewBroker creates a broker. bufferSize <= 0 uses DefaultBufferSize.
func NewBroker(bufferSize int, logger *zap.Logger) *Broker {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broker{
		clients:    make(map[string]chan Message),
		bufferSize: bufferSize,
		logger:     logging.OrNop(logger),
	}
}

// AddClient registers a client and returns its message channel. An existing
// client with the same id is disconnected first.
func (b *Broker) AddClient(clientID string) <-chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, exists := b.clients[clientID]; exists {
		close(existing)
		delete(b.clients, clientID)
	}

	ch := make(chan Message, b.bufferSize)
	b.clients[clientID] = ch

	b.logger.Info("SSE client connected", zap.String("client", clientID), zap.Int("total", len(b.clients)))
	return ch
}

// RemoveClient unregisters a client and closes its channel
func (b *Broker) RemoveClient(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeLocked(clientID)
}

func (b *Broker) removeLocked(clientID string) {
	ch, exists := b.clients[clientID]
	if !exists {
		return
	}
	close(ch)
	delete(b.clients, clientID)
	b.logger.Info("SSE client disconnected", zap.String("client", clientID), zap.Int("remaining", len(b.clients)))
}

// Send queues msg for one client. Commands only make sense as a complete
// ordered stream, so a client whose buffer is full is disconnected rather
// than skipped; it reconnects and receives a fresh map.
func (b *Broker) Send(clientID string, msg Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, exists := b.clients[clientID]
	if !exists {
		return false
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	select {
	case ch <- msg:
		return true
	default:
		b.logger.Warn("SSE client buffer full, disconnecting", zap.String("client", clientID), zap.String("type", msg.Type))
		b.removeLocked(clientID)
		return false
	}
}

// HasClient reports whether clientID is connected
func (b *Broker) HasClient(clientID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, exists := b.clients[clientID]
	return exists
}

// ClientCount returns the number of connected clients
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.clients)
}
