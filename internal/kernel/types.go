// Package kernel provides the transport layer between the notebook backend
// and one out-of-process interactive kernel: subprocess launch, readiness
// handshake, correlated request/response routing, notification fan-out,
// external-URI tunneling and disposal.
package kernel

import (
	"encoding/json"

	"github.com/cloudwu01/interactive/internal/logging"
)

// State represents the lifecycle state of a Transport.
type State int32

const (
	StateCreated State = iota
	StateLaunching
	StateAwaitingReady
	StateReady
	StateTunnelEstablishing
	StateTunnelReady
	StateFailed
	StateDisposed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateLaunching:
		return "launching"
	case StateAwaitingReady:
		return "awaiting_ready"
	case StateReady:
		return "ready"
	case StateTunnelEstablishing:
		return "tunnel_establishing"
	case StateTunnelReady:
		return "tunnel_ready"
	case StateFailed:
		return "failed"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// running reports whether requests may be submitted in this state.
func (s State) running() bool {
	return s == StateReady || s == StateTunnelReady
}

// Message kinds carried in the envelope discriminant. Responses and
// notifications are told apart by this field, never by arrival order.
const (
	KindRequest  = "request"
	KindResponse = "response"
	KindEvent    = "event"
)

// Envelope is the newline-delimited JSON message exchanged with a kernel.
type Envelope struct {
	Kind    string          `json:"kind"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Notification is an unsolicited kernel message delivered to subscribers.
type Notification struct {
	Kind    string
	Payload json.RawMessage
}

// readyLine is the handshake message the kernel prints on stdout. A positive
// Port announces readiness; a non-empty StartupError announces failure.
type readyLine struct {
	Port         int    `json:"port"`
	StartupError string `json:"startupError"`
}

// ExitStatus is the outcome of a kernel subprocess.
type ExitStatus struct {
	Code     int
	Signaled bool // killed by signal rather than exiting on its own
}

// DiagnosticSink receives subprocess output lines that are not part of the
// wire protocol. Lines are never dropped silently; if no sink is configured
// they land in the transport log category.
type DiagnosticSink interface {
	WriteLine(source, line string)
}

// logSink is the default DiagnosticSink, forwarding to the category logger.
type logSink struct{}

func (logSink) WriteLine(source, line string) {
	logging.Get(logging.CategoryTransport).Info("[%s] %s", source, line)
}

// NopSink discards diagnostic lines. Useful in tests.
type NopSink struct{}

func (NopSink) WriteLine(string, string) {}
