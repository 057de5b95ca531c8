package kernel

import (
	"bufio"
	"errors"
	"strings"
	"testing"
)

func TestParseHandshakeLine(t *testing.T) {
	cases := []struct {
		line    string
		port    int
		failure string
		ok      bool
	}{
		{`{"port":8765}`, 8765, "", true},
		{`  {"port":1024}  `, 1024, "", true},
		{`{"startupError":"bad runtime"}`, 0, "bad runtime", true},
		{`{"port":0}`, 0, "", false},
		{`{"port":70000}`, 0, "", false},
		{`{"unrelated":true}`, 0, "", false},
		{`plain text banner`, 0, "", false},
		{`{not json`, 0, "", false},
	}

	for _, tc := range cases {
		port, failure, ok := parseHandshakeLine(tc.line)
		if port != tc.port || failure != tc.failure || ok != tc.ok {
			t.Errorf("parseHandshakeLine(%q) = (%d, %q, %v), want (%d, %q, %v)",
				tc.line, port, failure, ok, tc.port, tc.failure, tc.ok)
		}
	}
}

func TestAwaitReadyLineForwardsChatter(t *testing.T) {
	input := "booting v2\n\nloading runtime\n{\"port\":4100}\nnot consumed\n"
	sink := &captureSink{}

	scanner := bufio.NewScanner(strings.NewReader(input))
	port, err := awaitReadyLine(scanner, sink)
	if err != nil {
		t.Fatalf("awaitReadyLine failed: %v", err)
	}
	if port != 4100 {
		t.Fatalf("unexpected port: %d", port)
	}

	lines := sink.all()
	if len(lines) != 2 {
		t.Fatalf("unexpected sink contents: %v", lines)
	}
	// The line after the readiness line stays in the scanner for the
	// demux phase.
	if !scanner.Scan() || scanner.Text() != "not consumed" {
		t.Fatal("handshake consumed lines past the readiness line")
	}
}

func TestAwaitReadyLineStreamEnds(t *testing.T) {
	scanner := bufio.NewScanner(strings.NewReader("just a banner\n"))
	_, err := awaitReadyLine(scanner, NopSink{})
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("expected handshake failure, got %v", err)
	}
}

func TestAwaitReadyLineStartupError(t *testing.T) {
	scanner := bufio.NewScanner(strings.NewReader(`{"startupError":"port in use"}` + "\n"))
	_, err := awaitReadyLine(scanner, NopSink{})
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("expected handshake failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "port in use") {
		t.Fatalf("detail lost: %v", err)
	}
}
