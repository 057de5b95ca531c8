// Package client maps open notebook documents to kernel clients. Each
// document gets at most one live client; concurrent requests for the same
// document share a single creation attempt, and closing a document disposes
// its client even when creation is still in flight.
package client

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/cloudwu01/interactive/internal/logging"
)

var (
	// ErrMapperClosed means the mapper itself was shut down.
	ErrMapperClosed = errors.New("client mapper closed")

	// ErrClientClosed means the document was closed while its client was
	// still being created; the freshly created client was disposed.
	ErrClientClosed = errors.New("client closed during creation")
)

// DocumentID identifies one open notebook document. The canonical form is
// the document's absolute path.
type DocumentID string

// Client is the per-document kernel handle the mapper hands out.
type Client interface {
	// WaitForReady blocks until the kernel finished its readiness handshake.
	WaitForReady(ctx context.Context) error
	// Dispose shuts the client down. Must be idempotent.
	Dispose()
}

// Factory creates a client for a document. A returned error means creation
// failed; the mapper never caches failures, so the next GetOrCreate retries.
type Factory func(ctx context.Context, id DocumentID) (Client, error)

// Mapper owns the document-to-client table.
type Mapper struct {
	factory Factory

	group singleflight.Group

	mu      sync.Mutex
	clients map[DocumentID]Client
	// tombstones marks documents closed while their creation was still in
	// flight. The creator checks it before publishing and disposes instead.
	tombstones map[DocumentID]bool
	// creating marks documents with a creation flight between its factory
	// call and its publish decision. While set, a tombstone for the same
	// document belongs to that flight and must survive late joiners.
	creating map[DocumentID]bool
	closed   bool
}

// NewMapper returns an empty mapper backed by factory.
func NewMapper(factory Factory) *Mapper {
	return &Mapper{
		factory:    factory,
		clients:    make(map[DocumentID]Client),
		tombstones: make(map[DocumentID]bool),
		creating:   make(map[DocumentID]bool),
	}
}

// GetOrCreate returns the live client for id, creating one if none exists.
// Concurrent callers for the same id share one creation attempt and all
// receive the same client or the same error. A failed creation leaves no
// entry behind, so a later call starts fresh.
func (m *Mapper) GetOrCreate(ctx context.Context, id DocumentID) (Client, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrMapperClosed
	}
	if c, ok := m.clients[id]; ok {
		m.mu.Unlock()
		return c, nil
	}
	// A leftover tombstone with no flight in progress has nothing left to
	// stop; one guarding an active flight must not be cleared by a joiner.
	if !m.creating[id] {
		delete(m.tombstones, id)
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do(string(id), func() (any, error) {
		// Re-check under the flight: another flight may have finished
		// between our miss and this one starting.
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrMapperClosed
		}
		if c, ok := m.clients[id]; ok {
			m.mu.Unlock()
			return c, nil
		}
		if m.tombstones[id] {
			// Closed again before the flight got going.
			delete(m.tombstones, id)
			m.mu.Unlock()
			return nil, ErrClientClosed
		}
		m.creating[id] = true
		m.mu.Unlock()
		defer func() {
			m.mu.Lock()
			delete(m.creating, id)
			m.mu.Unlock()
		}()

		logging.Mapper("creating client for %s", id)
		c, err := m.factory(ctx, id)
		if err != nil {
			logging.MapperError("client creation for %s failed: %v", id, err)
			return nil, err
		}

		m.mu.Lock()
		if m.closed || m.tombstones[id] {
			delete(m.tombstones, id)
			m.mu.Unlock()
			// The document was closed mid-creation; the new client must
			// not outlive it.
			c.Dispose()
			if m.isClosed() {
				return nil, ErrMapperClosed
			}
			return nil, ErrClientClosed
		}
		m.clients[id] = c
		m.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Client), nil
}

func (m *Mapper) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Get returns the live client for id without creating one.
func (m *Mapper) Get(id DocumentID) (Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	return c, ok
}

// Close disposes the client for id, if any. When a creation for id is still
// in flight, the eventual client is disposed as soon as it exists and the
// in-flight callers receive ErrClientClosed. Close is idempotent; closing a
// document with no client is a no-op.
func (m *Mapper) Close(id DocumentID) {
	m.mu.Lock()
	c, ok := m.clients[id]
	if ok {
		delete(m.clients, id)
	} else if !m.closed {
		m.tombstones[id] = true
	}
	m.mu.Unlock()

	if ok {
		logging.Mapper("closing client for %s", id)
		c.Dispose()
	}
}

// Len returns the number of live clients.
func (m *Mapper) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// CloseAll shuts the mapper down: every live client is disposed concurrently
// and no new clients can be created afterwards. Safe to call more than once.
func (m *Mapper) CloseAll() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	clients := m.clients
	m.clients = make(map[DocumentID]Client)
	m.tombstones = make(map[DocumentID]bool)
	m.mu.Unlock()

	logging.Mapper("closing all clients (%d live)", len(clients))
	var g errgroup.Group
	for id, c := range clients {
		id, c := id, c
		g.Go(func() error {
			c.Dispose()
			logging.MapperDebug("client for %s disposed", id)
			return nil
		})
	}
	return g.Wait()
}
