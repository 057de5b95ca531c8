package kernel

import (
	"errors"
	"fmt"
)

var (
	// ErrHandshakeTimeout means the kernel produced no readiness line within
	// the configured bound. The creation attempt is fatal but retryable.
	ErrHandshakeTimeout = errors.New("kernel readiness handshake timed out")

	// ErrHandshakeFailed means the kernel exited or reported a startup error
	// before announcing a port. Wrapped with detail where available.
	ErrHandshakeFailed = errors.New("kernel readiness handshake failed")

	// ErrRequestTimeout means one request/response exchange timed out. The
	// transport stays live; other pending requests are unaffected.
	ErrRequestTimeout = errors.New("kernel request timed out")

	// ErrTransportClosed means the transport was disposed or failed fatally.
	// Every pending and future call on the transport resolves with this.
	ErrTransportClosed = errors.New("kernel transport closed")

	// ErrNotReady means an operation that requires a ready transport ran
	// before the readiness handshake completed.
	ErrNotReady = errors.New("kernel transport not ready")
)

// LaunchError reports that the kernel subprocess could not be started at the
// OS level (executable missing, spawn failure). It is fatal to the creation
// attempt and is never cached by the client mapper.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch kernel %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}
