package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cloudwu01/interactive/internal/config"
)

// startHTTPKernel serves the request endpoint and returns its port. The fake
// subprocess announces this port so the transport's endpoint points at it.
func startHTTPKernel(t *testing.T, handler http.HandlerFunc) int {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parsing server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parsing server port: %v", err)
	}
	return port
}

func TestSubmitRequestOverHTTP(t *testing.T) {
	port := startHTTPKernel(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/request" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		var req Envelope
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := Envelope{Kind: KindResponse, Token: req.Token, Payload: req.Payload}
		json.NewEncoder(w).Encode(&resp)
	})

	tr, proc := newFakeTransport(t, Options{Sink: NopSink{}, Channel: config.ChannelHTTP})
	proc.announceReady(port)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.WaitForReady(ctx); err != nil {
		t.Fatalf("WaitForReady failed: %v", err)
	}

	resp, err := tr.SubmitRequest(ctx, json.RawMessage(`{"op":"eval","code":"1+1"}`))
	if err != nil {
		t.Fatalf("SubmitRequest failed: %v", err)
	}
	if string(resp) != `{"op":"eval","code":"1+1"}` {
		t.Fatalf("unexpected response: %s", resp)
	}
}

func TestSubmitRequestOverHTTPKernelError(t *testing.T) {
	port := startHTTPKernel(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&Envelope{Kind: KindResponse, Error: "division by zero"})
	})

	tr, proc := newFakeTransport(t, Options{Sink: NopSink{}, Channel: config.ChannelHTTP})
	proc.announceReady(port)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.WaitForReady(ctx); err != nil {
		t.Fatalf("WaitForReady failed: %v", err)
	}

	_, err := tr.SubmitRequest(ctx, json.RawMessage(`{"op":"eval"}`))
	if err == nil || !strings.Contains(err.Error(), "division by zero") {
		t.Fatalf("expected kernel error, got %v", err)
	}
}

func TestSubmitRequestOverHTTPTimeout(t *testing.T) {
	block := make(chan struct{})
	port := startHTTPKernel(t, func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		select {
		case <-block:
		case <-r.Context().Done():
		}
	})
	// Registered after startHTTPKernel so the handler is released before
	// srv.Close waits on it.
	t.Cleanup(func() { close(block) })

	tr, proc := newFakeTransport(t, Options{
		Sink:           NopSink{},
		Channel:        config.ChannelHTTP,
		RequestTimeout: 100 * time.Millisecond,
	})
	proc.announceReady(port)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.WaitForReady(ctx); err != nil {
		t.Fatalf("WaitForReady failed: %v", err)
	}

	_, err := tr.SubmitRequest(ctx, json.RawMessage(`{"op":"slow"}`))
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected request timeout, got %v", err)
	}
}

func TestDisposeInterruptsHTTPRequest(t *testing.T) {
	block := make(chan struct{})
	port := startHTTPKernel(t, func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		select {
		case <-block:
		case <-r.Context().Done():
		}
	})
	t.Cleanup(func() { close(block) })

	tr, proc := newFakeTransport(t, Options{
		Sink:           NopSink{},
		Channel:        config.ChannelHTTP,
		RequestTimeout: 30 * time.Second,
	})
	proc.announceReady(port)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.WaitForReady(ctx); err != nil {
		t.Fatalf("WaitForReady failed: %v", err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		tr.Dispose()
	}()

	start := time.Now()
	_, err := tr.SubmitRequest(ctx, json.RawMessage(`{"op":"slow"}`))
	if !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expected transport closed, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("dispose took %v to interrupt the request", elapsed)
	}
}
