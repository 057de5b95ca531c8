// Package notebook is the thin consumer layer between host editor events and
// the kernel client mapper: document lifecycle events warm or tear down
// kernels, and cell language changes are written back into document metadata.
package notebook

import "sync"

// DocumentOpened fires when the host opens a notebook document.
type DocumentOpened struct {
	Path string
}

// DocumentClosed fires when the host closes a notebook document.
type DocumentClosed struct {
	Path string
}

// CellLanguageChanged fires when the displayed language of one cell changes.
type CellLanguageChanged struct {
	Path      string
	CellIndex int
	Language  string
}

// EventSubscription is the cancellation capability returned by every
// subscription. Cancel is idempotent.
type EventSubscription struct {
	once   sync.Once
	cancel func()
}

func (s *EventSubscription) Cancel() {
	s.once.Do(s.cancel)
}

// Hub fans typed events out to explicitly registered handlers. There is no
// implicit global registry; every registration returns its own cancellation
// capability. Handlers run synchronously on the publisher's goroutine.
type Hub struct {
	mu       sync.Mutex
	nextID   uint64
	opened   map[uint64]func(DocumentOpened)
	closed   map[uint64]func(DocumentClosed)
	language map[uint64]func(CellLanguageChanged)
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		opened:   make(map[uint64]func(DocumentOpened)),
		closed:   make(map[uint64]func(DocumentClosed)),
		language: make(map[uint64]func(CellLanguageChanged)),
	}
}

// OnDocumentOpened registers fn for DocumentOpened events.
func (h *Hub) OnDocumentOpened(fn func(DocumentOpened)) *EventSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.opened[id] = fn
	return &EventSubscription{cancel: func() {
		h.mu.Lock()
		delete(h.opened, id)
		h.mu.Unlock()
	}}
}

// OnDocumentClosed registers fn for DocumentClosed events.
func (h *Hub) OnDocumentClosed(fn func(DocumentClosed)) *EventSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.closed[id] = fn
	return &EventSubscription{cancel: func() {
		h.mu.Lock()
		delete(h.closed, id)
		h.mu.Unlock()
	}}
}

// OnCellLanguageChanged registers fn for CellLanguageChanged events.
func (h *Hub) OnCellLanguageChanged(fn func(CellLanguageChanged)) *EventSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.language[id] = fn
	return &EventSubscription{cancel: func() {
		h.mu.Lock()
		delete(h.language, id)
		h.mu.Unlock()
	}}
}

// PublishDocumentOpened delivers ev to every registered handler.
func (h *Hub) PublishDocumentOpened(ev DocumentOpened) {
	for _, fn := range h.openedHandlers() {
		fn(ev)
	}
}

// PublishDocumentClosed delivers ev to every registered handler.
func (h *Hub) PublishDocumentClosed(ev DocumentClosed) {
	for _, fn := range h.closedHandlers() {
		fn(ev)
	}
}

// PublishCellLanguageChanged delivers ev to every registered handler.
func (h *Hub) PublishCellLanguageChanged(ev CellLanguageChanged) {
	for _, fn := range h.languageHandlers() {
		fn(ev)
	}
}

func (h *Hub) openedHandlers() []func(DocumentOpened) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]func(DocumentOpened), 0, len(h.opened))
	for _, fn := range h.opened {
		out = append(out, fn)
	}
	return out
}

func (h *Hub) closedHandlers() []func(DocumentClosed) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]func(DocumentClosed), 0, len(h.closed))
	for _, fn := range h.closed {
		out = append(out, fn)
	}
	return out
}

func (h *Hub) languageHandlers() []func(CellLanguageChanged) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]func(CellLanguageChanged), 0, len(h.language))
	for _, fn := range h.language {
		out = append(out, fn)
	}
	return out
}
