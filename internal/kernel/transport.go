package kernel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cloudwu01/interactive/internal/config"
	"github.com/cloudwu01/interactive/internal/logging"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultRequestTimeout   = 30 * time.Second
	defaultShutdownGrace    = 3 * time.Second

	// Scanner buffer sized for large result payloads on one line.
	maxLineSize = 10 * 1024 * 1024
)

// processHandle is the slice of Process the transport needs. Tests substitute
// an in-memory implementation backed by pipes.
type processHandle interface {
	Pid() int
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	Done() <-chan struct{}
	Exit() ExitStatus
	Stop(grace time.Duration)
	Kill()
}

// TunnelFunc establishes a mapping from the kernel's loopback URI to an
// externally reachable one supplied by the host environment. Implementations
// typically talk to a port-forwarding service.
type TunnelFunc func(ctx context.Context, localURI, externalURI string) error

// Options configures a Transport. Zero values fall back to defaults matching
// config.DefaultConfig.
type Options struct {
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	ShutdownGrace    time.Duration

	// Channel selects how requests reach the kernel once it is ready:
	// written to stdin and correlated on stdout, or POSTed to the
	// negotiated loopback endpoint.
	Channel config.RequestChannel

	Tunnel TunnelFunc
	Sink   DiagnosticSink
}

func (o *Options) normalize() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = defaultShutdownGrace
	}
	if o.Channel == "" {
		o.Channel = config.ChannelStdio
	}
	if o.Sink == nil {
		o.Sink = logSink{}
	}
}

// TransportStats is a point-in-time snapshot of transport activity.
type TransportStats struct {
	State                State
	Pid                  int
	Port                 int
	RequestsSent         uint64
	ResponsesMatched     uint64
	Notifications        uint64
	UnmatchedResponses   uint64
	DiagnosticLines      uint64
	SubscriptionsActive  int
	SubscriptionsAllTime uint64
	CallbackPanics       uint64
}

// Transport owns one kernel subprocess: its lifecycle state machine, the
// single stdout reader that demultiplexes handshake, responses and
// notifications, the pending-request table, and disposal.
type Transport struct {
	spec LaunchSpec
	opts Options

	state atomic.Int32

	// launchFn starts the subprocess; tests substitute pipe-backed fakes.
	launchFn func(ctx context.Context, spec LaunchSpec) (processHandle, error)

	proc processHandle

	// writeMu serializes stdin writes so concurrent requests cannot
	// interleave bytes of their envelopes.
	writeMu sync.Mutex

	mu          sync.Mutex
	pending     map[string]chan *Envelope
	subs        map[uint64]*Subscription
	nextSub     uint64
	port        int
	localURI    string
	externalURI string

	readyOnce sync.Once
	readyCh   chan struct{}
	readyErr  error

	// downCh closes when the transport fails or is disposed. Every pending
	// waiter selects on it so dispose never strands a caller.
	downOnce sync.Once
	downCh   chan struct{}

	disposeOnce sync.Once

	wg         sync.WaitGroup
	httpClient *http.Client

	requestsSent       atomic.Uint64
	responsesMatched   atomic.Uint64
	notifications      atomic.Uint64
	unmatchedResponses atomic.Uint64
	diagnosticLines    atomic.Uint64
	subsAllTime        atomic.Uint64
	callbackPanics     atomic.Uint64
}

// New creates a transport in the Created state. Launch starts the subprocess.
func New(spec LaunchSpec, opts Options) *Transport {
	opts.normalize()
	return &Transport{
		spec: spec,
		opts: opts,
		launchFn: func(ctx context.Context, spec LaunchSpec) (processHandle, error) {
			return LaunchProcess(ctx, spec)
		},
		pending: make(map[string]chan *Envelope),
		subs:    make(map[uint64]*Subscription),
		readyCh: make(chan struct{}),
		downCh:  make(chan struct{}),
		// Per-request contexts carry the timeout; no client-level one.
		httpClient: &http.Client{},
	}
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	return State(t.state.Load())
}

func (t *Transport) transition(from, to State) bool {
	ok := t.state.CompareAndSwap(int32(from), int32(to))
	if ok {
		logging.TransportDebug("transport %s: %s -> %s", t.spec.DocumentPath, from, to)
	}
	return ok
}

// Launch starts the kernel subprocess and begins the readiness handshake.
// It returns as soon as the process is running; WaitForReady blocks until
// the handshake resolves. A *LaunchError means the process never started.
func (t *Transport) Launch(ctx context.Context) error {
	if !t.transition(StateCreated, StateLaunching) {
		return fmt.Errorf("launch from state %s: %w", t.State(), ErrTransportClosed)
	}

	proc, err := t.launchFn(ctx, t.spec)
	if err != nil {
		t.fail(err)
		return err
	}
	t.proc = proc
	t.state.Store(int32(StateAwaitingReady))

	t.wg.Add(2)
	go t.readLoop()
	go t.stderrLoop()
	go t.watchHandshakeDeadline()
	go t.watchExit()
	return nil
}

// watchHandshakeDeadline kills the subprocess if no readiness line arrives in
// time. Killing unblocks the reader's Scan, which then observes the failure.
func (t *Transport) watchHandshakeDeadline() {
	timer := time.NewTimer(t.opts.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-t.readyCh:
	case <-t.downCh:
	case <-timer.C:
		logging.HandshakeError("kernel for %s did not become ready within %s",
			t.spec.DocumentPath, t.opts.HandshakeTimeout)
		t.fail(ErrHandshakeTimeout)
		t.proc.Kill()
	}
}

// watchExit fails the transport when the subprocess dies underneath it.
func (t *Transport) watchExit() {
	<-t.proc.Done()
	st := t.State()
	if st == StateDisposed || st == StateFailed {
		return
	}
	exit := t.proc.Exit()
	logging.TransportWarn("kernel for %s exited unexpectedly (code=%d signaled=%v)",
		t.spec.DocumentPath, exit.Code, exit.Signaled)
	t.fail(fmt.Errorf("%w: kernel exited (code=%d)", ErrTransportClosed, exit.Code))
}

// readLoop is the only goroutine that reads kernel stdout. It first drives
// the readiness handshake, then demultiplexes envelopes by their kind
// discriminant for the life of the transport.
func (t *Transport) readLoop() {
	defer t.wg.Done()
	defer t.proc.Stdout().Close()

	scanner := bufio.NewScanner(t.proc.Stdout())
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	port, err := awaitReadyLine(scanner, t.countingSink())
	if err != nil {
		// A handshake timeout kills the process, which surfaces here as a
		// closed stream; keep the timeout as the recorded cause.
		t.fail(err)
		return
	}
	t.mu.Lock()
	t.port = port
	t.localURI = fmt.Sprintf("http://localhost:%d", port)
	t.mu.Unlock()

	if !t.transition(StateAwaitingReady, StateReady) {
		// Lost a race with dispose or the deadline watcher.
		return
	}
	t.readyOnce.Do(func() { close(t.readyCh) })
	logging.Transport("kernel for %s ready on port %d", t.spec.DocumentPath, port)

	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		t.dispatchLine(line)
	}
	if err := scanner.Err(); err != nil {
		logging.TransportError("stdout read for %s: %v", t.spec.DocumentPath, err)
	}
	t.fail(ErrTransportClosed)
}

// dispatchLine routes one post-handshake stdout line.
func (t *Transport) dispatchLine(line string) {
	var env Envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil || env.Kind == "" {
		t.diagnosticLines.Add(1)
		t.opts.Sink.WriteLine("stdout", line)
		return
	}

	switch env.Kind {
	case KindResponse:
		t.mu.Lock()
		ch, ok := t.pending[env.Token]
		if ok {
			delete(t.pending, env.Token)
		}
		t.mu.Unlock()
		if !ok {
			// Waiter timed out or the response is a duplicate.
			t.unmatchedResponses.Add(1)
			logging.TransportDebug("dropping unmatched response token=%s", env.Token)
			return
		}
		t.responsesMatched.Add(1)
		ch <- &env
	case KindEvent:
		t.notifications.Add(1)
		t.deliverNotification(Notification{Kind: KindEvent, Payload: env.Payload})
	default:
		t.diagnosticLines.Add(1)
		t.opts.Sink.WriteLine("stdout", line)
	}
}

// stderrLoop forwards every stderr line to the diagnostics sink.
func (t *Transport) stderrLoop() {
	defer t.wg.Done()
	defer t.proc.Stderr().Close()
	scanner := bufio.NewScanner(t.proc.Stderr())
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		t.diagnosticLines.Add(1)
		t.opts.Sink.WriteLine("stderr", scanner.Text())
	}
}

func (t *Transport) countingSink() DiagnosticSink {
	return sinkFunc(func(source, line string) {
		t.diagnosticLines.Add(1)
		t.opts.Sink.WriteLine(source, line)
	})
}

type sinkFunc func(source, line string)

func (f sinkFunc) WriteLine(source, line string) { f(source, line) }

// fail moves the transport to Failed, records the cause for WaitForReady and
// wakes every pending waiter. It is a no-op once the transport is already
// failed or disposed.
func (t *Transport) fail(cause error) {
	for {
		st := t.State()
		if st == StateFailed || st == StateDisposed {
			return
		}
		if t.transition(st, StateFailed) {
			break
		}
	}
	t.readyOnce.Do(func() {
		t.readyErr = cause
		close(t.readyCh)
	})
	t.downOnce.Do(func() { close(t.downCh) })
	logging.TransportError("transport for %s failed: %v", t.spec.DocumentPath, cause)
}

// WaitForReady blocks until the readiness handshake resolves. It is safe to
// call any number of times from any goroutine; every caller observes the same
// outcome. Once the transport has failed or been disposed the call fails
// immediately, even when the handshake had already succeeded.
func (t *Transport) WaitForReady(ctx context.Context) error {
	select {
	case <-t.readyCh:
		if t.readyErr != nil {
			return t.readyErr
		}
		// readyErr stays nil when failure or disposal came after Ready.
		if st := t.State(); st == StateDisposed || st == StateFailed {
			return ErrTransportClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Port returns the handshake-negotiated port, or 0 before Ready.
func (t *Transport) Port() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port
}

// LocalURI returns the loopback endpoint URI, or "" before Ready.
func (t *Transport) LocalURI() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localURI
}

// ExternalURI returns the tunneled URI, or "" if no tunnel was established.
func (t *Transport) ExternalURI() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.externalURI
}

// SubmitRequest sends one payload to the kernel and blocks for its correlated
// response. Each call uses a fresh correlation token; concurrent requests may
// resolve in any order. A per-request deadline bounds the wait, and transport
// failure or disposal resolves every in-flight request with
// ErrTransportClosed.
func (t *Transport) SubmitRequest(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	st := t.State()
	switch {
	case st == StateFailed || st == StateDisposed:
		return nil, ErrTransportClosed
	case !st.running():
		return nil, ErrNotReady
	}

	t.requestsSent.Add(1)

	if t.opts.Channel == config.ChannelHTTP {
		return t.submitHTTP(ctx, payload)
	}
	return t.submitStdio(ctx, payload)
}

func (t *Transport) submitStdio(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	token := uuid.NewString()
	env := Envelope{Kind: KindRequest, Token: token, Payload: payload}

	ch := make(chan *Envelope, 1)
	t.mu.Lock()
	t.pending[token] = ch
	t.mu.Unlock()

	if err := t.writeEnvelope(&env); err != nil {
		t.mu.Lock()
		delete(t.pending, token)
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}

	timer := time.NewTimer(t.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("kernel error: %s", resp.Error)
		}
		return resp.Payload, nil
	case <-timer.C:
		t.mu.Lock()
		delete(t.pending, token)
		t.mu.Unlock()
		logging.TransportWarn("request %s timed out after %s", token, t.opts.RequestTimeout)
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, token)
		t.mu.Unlock()
		return nil, ctx.Err()
	case <-t.downCh:
		t.mu.Lock()
		delete(t.pending, token)
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
}

// writeEnvelope marshals and writes one newline-terminated envelope to the
// kernel's stdin.
func (t *Transport) writeEnvelope(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.proc.Stdin().Write(data); err != nil {
		return fmt.Errorf("write to kernel stdin: %w", err)
	}
	return nil
}

// Subscription is a handle to one notification subscription.
type Subscription struct {
	id   uint64
	t    *Transport
	fn   func(Notification)
	once sync.Once
}

// Cancel removes the subscription. After Cancel returns no further
// notifications are initiated for it; delivery already in flight on the
// reader goroutine may still complete. Cancel is idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.t.mu.Lock()
		delete(s.t.subs, s.id)
		s.t.mu.Unlock()
	})
}

// SubscribeNotifications registers fn for unsolicited kernel messages. fn is
// invoked on the reader goroutine; panics in fn are caught and logged so one
// bad subscriber cannot take the transport down.
func (t *Transport) SubscribeNotifications(fn func(Notification)) *Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSub++
	sub := &Subscription{id: t.nextSub, t: t, fn: fn}
	t.subs[sub.id] = sub
	t.subsAllTime.Add(1)
	return sub
}

func (t *Transport) deliverNotification(n Notification) {
	t.mu.Lock()
	targets := make([]*Subscription, 0, len(t.subs))
	for _, s := range t.subs {
		targets = append(targets, s)
	}
	t.mu.Unlock()

	for _, s := range targets {
		t.safeNotify(s, n)
	}
}

func (t *Transport) safeNotify(s *Subscription, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			t.callbackPanics.Add(1)
			logging.TransportError("notification subscriber panicked: %v", r)
		}
	}()
	s.fn(n)
}

// SetExternalURI establishes a tunnel mapping the kernel's loopback endpoint
// to the externally reachable uri supplied by the host, and records it.
// Valid only from Ready; tunnel failure is fatal to the transport. When no
// tunnel capability is configured the uri is recorded as-is.
func (t *Transport) SetExternalURI(ctx context.Context, uri string) error {
	if !t.transition(StateReady, StateTunnelEstablishing) {
		st := t.State()
		if st == StateFailed || st == StateDisposed {
			return ErrTransportClosed
		}
		return fmt.Errorf("%w: tunnel requires ready state, have %s", ErrNotReady, st)
	}

	if t.opts.Tunnel != nil {
		if err := t.opts.Tunnel(ctx, t.LocalURI(), uri); err != nil {
			err = fmt.Errorf("establishing tunnel to %s: %w", uri, err)
			t.fail(err)
			return err
		}
	}

	t.mu.Lock()
	t.externalURI = uri
	t.mu.Unlock()

	if !t.transition(StateTunnelEstablishing, StateTunnelReady) {
		return ErrTransportClosed
	}
	logging.Tunnel("kernel for %s reachable at %s", t.spec.DocumentPath, uri)
	return nil
}

// Dispose tears the transport down: it stops the subprocess (graceful stop,
// then kill after the shutdown grace), fails every pending request with
// ErrTransportClosed and drops all subscriptions. Dispose is idempotent and
// safe to call from any state; concurrent callers block until the first
// teardown completes.
func (t *Transport) Dispose() {
	t.disposeOnce.Do(func() {
		prev := t.State()
		t.state.Store(int32(StateDisposed))
		logging.Transport("disposing kernel transport for %s (was %s)", t.spec.DocumentPath, prev)

		t.readyOnce.Do(func() {
			t.readyErr = ErrTransportClosed
			close(t.readyCh)
		})
		t.downOnce.Do(func() { close(t.downCh) })

		t.mu.Lock()
		t.pending = make(map[string]chan *Envelope)
		t.subs = make(map[uint64]*Subscription)
		t.mu.Unlock()

		if t.proc != nil {
			t.proc.Stop(t.opts.ShutdownGrace)
		}
		t.httpClient.CloseIdleConnections()

		// Bounded wait for the reader goroutines; a wedged pipe must not
		// block disposal forever.
		done := make(chan struct{})
		go func() {
			t.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			logging.TransportWarn("reader goroutines for %s did not exit promptly", t.spec.DocumentPath)
		}
	})
}

// Stats returns a snapshot of transport counters.
func (t *Transport) Stats() TransportStats {
	t.mu.Lock()
	active := len(t.subs)
	port := t.port
	t.mu.Unlock()

	pid := 0
	if t.proc != nil {
		pid = t.proc.Pid()
	}
	return TransportStats{
		State:                t.State(),
		Pid:                  pid,
		Port:                 port,
		RequestsSent:         t.requestsSent.Load(),
		ResponsesMatched:     t.responsesMatched.Load(),
		Notifications:        t.notifications.Load(),
		UnmatchedResponses:   t.unmatchedResponses.Load(),
		DiagnosticLines:      t.diagnosticLines.Load(),
		SubscriptionsActive:  active,
		SubscriptionsAllTime: t.subsAllTime.Load(),
		CallbackPanics:       t.callbackPanics.Load(),
	}
}
