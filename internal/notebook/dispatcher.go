package notebook

import (
	"context"
	"time"

	"github.com/cloudwu01/interactive/internal/client"
	"github.com/cloudwu01/interactive/internal/logging"
)

// MetadataEditor writes language metadata back into the host's document
// model. Implemented by the host integration; faked in tests.
type MetadataEditor interface {
	SetCellLanguage(ctx context.Context, documentPath string, cellIndex int, language string) error
}

// UserNotifier is the host notification surface. Fatal kernel failures go to
// DisplayError; transient ones stay in the diagnostics log.
type UserNotifier interface {
	DisplayError(message string)
	DisplayInfo(message string)
}

// Dispatcher reacts to notebook lifecycle events. One handler per event
// type: open warms a kernel, close tears it down, language change edits
// metadata. It holds no state of its own beyond its collaborators.
type Dispatcher struct {
	mapper   *client.Mapper
	editor   MetadataEditor
	notifier UserNotifier

	// readyTimeout bounds how long a document-open handler waits for the
	// warmed kernel before reporting failure.
	readyTimeout time.Duration

	subs []*EventSubscription
}

// NewDispatcher wires a dispatcher to its collaborators. readyTimeout <= 0
// picks a conservative default.
func NewDispatcher(mapper *client.Mapper, editor MetadataEditor, notifier UserNotifier, readyTimeout time.Duration) *Dispatcher {
	if readyTimeout <= 0 {
		readyTimeout = 30 * time.Second
	}
	return &Dispatcher{
		mapper:       mapper,
		editor:       editor,
		notifier:     notifier,
		readyTimeout: readyTimeout,
	}
}

// Attach subscribes the dispatcher's handlers to hub. Detach cancels them.
func (d *Dispatcher) Attach(hub *Hub) {
	d.subs = append(d.subs,
		hub.OnDocumentOpened(d.handleDocumentOpened),
		hub.OnDocumentClosed(d.handleDocumentClosed),
		hub.OnCellLanguageChanged(d.handleCellLanguageChanged),
	)
}

// Detach cancels every subscription Attach registered.
func (d *Dispatcher) Detach() {
	for _, s := range d.subs {
		s.Cancel()
	}
	d.subs = nil
}

// handleDocumentOpened warms a kernel for the document and waits for it to
// become ready. Creation or handshake failure is user-visible; the document
// stays open either way.
func (d *Dispatcher) handleDocumentOpened(ev DocumentOpened) {
	logging.Notebook("document opened: %s", ev.Path)

	ctx, cancel := context.WithTimeout(context.Background(), d.readyTimeout)
	defer cancel()

	c, err := d.mapper.GetOrCreate(ctx, client.DocumentID(ev.Path))
	if err != nil {
		logging.NotebookError("kernel creation for %s: %v", ev.Path, err)
		d.notifier.DisplayError("Failed to start interactive kernel: " + err.Error())
		return
	}
	if err := c.WaitForReady(ctx); err != nil {
		logging.NotebookError("kernel readiness for %s: %v", ev.Path, err)
		d.notifier.DisplayError("Interactive kernel did not become ready: " + err.Error())
		return
	}
	logging.NotebookDebug("kernel ready for %s", ev.Path)
}

// handleDocumentClosed disposes the document's kernel, if any.
func (d *Dispatcher) handleDocumentClosed(ev DocumentClosed) {
	logging.Notebook("document closed: %s", ev.Path)
	d.mapper.Close(client.DocumentID(ev.Path))
}

// handleCellLanguageChanged mirrors the displayed language into the cell's
// metadata so reopening the document shows the same language.
func (d *Dispatcher) handleCellLanguageChanged(ev CellLanguageChanged) {
	logging.NotebookDebug("cell %d in %s -> %s", ev.CellIndex, ev.Path, ev.Language)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.editor.SetCellLanguage(ctx, ev.Path, ev.CellIndex, ev.Language); err != nil {
		// Metadata drift is cosmetic; log it rather than interrupting the
		// user mid-edit.
		logging.NotebookWarn("updating cell language metadata for %s: %v", ev.Path, err)
	}
}
