package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/cloudwu01/interactive/internal/logging"
)

// submitHTTP sends one request envelope to the kernel's negotiated loopback
// endpoint and decodes the response envelope from the body. Correlation is
// carried by the HTTP exchange itself; the token is still attached so kernel
// logs can tie the two sides together.
func (t *Transport) submitHTTP(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	endpoint := t.LocalURI()
	if endpoint == "" {
		return nil, ErrNotReady
	}

	env := Envelope{Kind: KindRequest, Token: uuid.NewString(), Payload: payload}
	body, err := json.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.opts.RequestTimeout)
	defer cancel()

	// The pending table only covers the stdio channel; disposal and fatal
	// failure have to abort an in-flight POST through its context.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-t.downCh:
			cancel()
		case <-watchDone:
		}
	}()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint+"/request", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build kernel request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			logging.TransportWarn("http request %s timed out after %s", env.Token, t.opts.RequestTimeout)
			return nil, ErrRequestTimeout
		}
		if t.State() == StateDisposed || t.State() == StateFailed {
			return nil, ErrTransportClosed
		}
		return nil, fmt.Errorf("kernel endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("kernel endpoint returned %d: %s", resp.StatusCode, data)
	}

	var out Envelope
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode kernel response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("kernel error: %s", out.Error)
	}
	return out.Payload, nil
}
