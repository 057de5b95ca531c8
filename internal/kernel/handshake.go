package kernel

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwu01/interactive/internal/logging"
)

// awaitReadyLine consumes stdout lines until the kernel announces a bound
// port, announces a startup failure, or the stream ends. It runs exactly once
// per transport, inline on the single reader loop, so no protocol line can be
// lost to a second consumer. Lines that are not part of the handshake
// protocol are forwarded to the diagnostics sink, never dropped.
//
// The wall-clock bound on the handshake lives in the transport: the caller
// kills the subprocess when the deadline fires, which ends this scan.
func awaitReadyLine(scanner *bufio.Scanner, sink DiagnosticSink) (int, error) {
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		port, failure, ok := parseHandshakeLine(line)
		if !ok {
			// Early chatter (version banners, warnings) is diagnostics.
			sink.WriteLine("stdout", line)
			continue
		}
		if failure != "" {
			return 0, fmt.Errorf("%w: %s", ErrHandshakeFailed, failure)
		}
		logging.Handshake("kernel announced port %d", port)
		return port, nil
	}

	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("%w: reading kernel output: %v", ErrHandshakeFailed, err)
	}
	return 0, fmt.Errorf("%w: kernel exited before announcing a port", ErrHandshakeFailed)
}

// parseHandshakeLine decodes one stdout line as a handshake message.
// ok is false when the line is not part of the handshake protocol.
func parseHandshakeLine(line string) (port int, failure string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return 0, "", false
	}

	var msg readyLine
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return 0, "", false
	}
	if msg.StartupError != "" {
		return 0, msg.StartupError, true
	}
	if msg.Port > 0 && msg.Port <= 65535 {
		return msg.Port, "", true
	}
	return 0, "", false
}
