//go:build !windows

package kernel

import (
	"bufio"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLaunchSpecArgv(t *testing.T) {
	spec := LaunchSpec{
		Path:         "/opt/kernel/bin/kernel",
		Args:         []string{"--working-dir", "{working_dir}", "--runtime", "{runtime_path}", "{document_path}"},
		WorkingDir:   "/work",
		DocumentPath: "/work/note.inb",
		RuntimePath:  "/opt/runtime",
	}

	want := []string{"--working-dir", "/work", "--runtime", "/opt/runtime", "/work/note.inb"}
	if diff := cmp.Diff(want, spec.Argv()); diff != "" {
		t.Fatalf("argv mismatch (-want +got):\n%s", diff)
	}
}

func TestLaunchSpecDir(t *testing.T) {
	spec := LaunchSpec{DocumentPath: "/work/sub/note.inb"}
	if got := spec.Dir(); got != filepath.Dir(spec.DocumentPath) {
		t.Fatalf("unexpected dir: %s", got)
	}
	spec.WorkingDir = "/somewhere"
	if got := spec.Dir(); got != "/somewhere" {
		t.Fatalf("explicit working dir ignored: %s", got)
	}
	if got := (LaunchSpec{}).Dir(); got != "." {
		t.Fatalf("empty spec dir: %s", got)
	}
}

func TestLaunchProcessMissingExecutable(t *testing.T) {
	_, err := LaunchProcess(context.Background(), LaunchSpec{Path: "no-such-kernel-binary-xyz"})
	var le *LaunchError
	if !errors.As(err, &le) {
		t.Fatalf("expected LaunchError, got %v", err)
	}
	if le.Path != "no-such-kernel-binary-xyz" {
		t.Fatalf("path lost: %+v", le)
	}
}

func TestLaunchProcessRunsAndExits(t *testing.T) {
	spec := LaunchSpec{
		Path: "/bin/sh",
		Args: []string{"-c", `echo '{"port":7777}'`},
	}
	p, err := LaunchProcess(context.Background(), spec)
	if err != nil {
		t.Fatalf("LaunchProcess failed: %v", err)
	}

	scanner := bufio.NewScanner(p.Stdout())
	port, err := awaitReadyLine(scanner, NopSink{})
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if port != 7777 {
		t.Fatalf("unexpected port: %d", port)
	}

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	exit := p.Exit()
	if exit.Code != 0 || exit.Signaled {
		t.Fatalf("unexpected exit: %+v", exit)
	}
}

func TestProcessStopKillsUnresponsive(t *testing.T) {
	spec := LaunchSpec{
		Path: "/bin/sh",
		Args: []string{"-c", `trap '' TERM; sleep 60`},
	}
	p, err := LaunchProcess(context.Background(), spec)
	if err != nil {
		t.Fatalf("LaunchProcess failed: %v", err)
	}

	start := time.Now()
	p.Stop(200 * time.Millisecond)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process survived Stop")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("forced kill too slow: %s", elapsed)
	}
	if exit := p.Exit(); !exit.Signaled {
		t.Fatalf("expected signaled exit, got %+v", exit)
	}
}

func TestProcessStopGraceful(t *testing.T) {
	spec := LaunchSpec{
		Path: "/bin/sh",
		Args: []string{"-c", "sleep 60"},
	}
	p, err := LaunchProcess(context.Background(), spec)
	if err != nil {
		t.Fatalf("LaunchProcess failed: %v", err)
	}

	p.Stop(5 * time.Second)
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process ignored graceful stop")
	}
}

func TestTransportEndToEndWithRealProcess(t *testing.T) {
	// A shell stand-in for a kernel: announce a port, then echo a canned
	// response for the first request line.
	script := `echo '{"port":8765}'
read line
printf '{"kind":"response","token":%s,"payload":{"ok":true}}\n' "$(printf '%s' "$line" | sed 's/.*"token":\("[^"]*"\).*/\1/')"
sleep 5
`
	tr := New(LaunchSpec{
		Path:         "/bin/sh",
		Args:         []string{"-c", script},
		DocumentPath: "note.inb",
	}, Options{Sink: NopSink{}, HandshakeTimeout: 5 * time.Second, RequestTimeout: 5 * time.Second})

	if err := tr.Launch(context.Background()); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	defer tr.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tr.WaitForReady(ctx); err != nil {
		t.Fatalf("WaitForReady failed: %v", err)
	}
	if tr.LocalURI() != "http://localhost:8765" {
		t.Fatalf("unexpected endpoint: %s", tr.LocalURI())
	}

	resp, err := tr.SubmitRequest(ctx, []byte(`{"op":"ping"}`))
	if err != nil {
		t.Fatalf("SubmitRequest failed: %v", err)
	}
	if string(resp) != `{"ok":true}` {
		t.Fatalf("unexpected response: %s", resp)
	}
}
