package client

import (
	"context"
	"encoding/json"

	"github.com/cloudwu01/interactive/internal/config"
	"github.com/cloudwu01/interactive/internal/kernel"
	"github.com/cloudwu01/interactive/internal/logging"
)

// KernelClient is the production Client: a thin wrapper over one kernel
// transport.
type KernelClient struct {
	Transport *kernel.Transport
}

func (c *KernelClient) WaitForReady(ctx context.Context) error {
	return c.Transport.WaitForReady(ctx)
}

func (c *KernelClient) Dispose() {
	c.Transport.Dispose()
}

// Submit forwards one request payload to the kernel.
func (c *KernelClient) Submit(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return c.Transport.SubmitRequest(ctx, payload)
}

// Subscribe registers fn for unsolicited kernel messages.
func (c *KernelClient) Subscribe(fn func(kernel.Notification)) *kernel.Subscription {
	return c.Transport.SubscribeNotifications(fn)
}

// NewKernelFactory returns a Factory that launches one kernel per document.
// Configuration is re-read from disk on every creation, so edits to the
// workspace config file apply to the next kernel without a restart. tunnel
// and sink may be nil.
func NewKernelFactory(workspace string, tunnel kernel.TunnelFunc, sink kernel.DiagnosticSink) Factory {
	return func(ctx context.Context, id DocumentID) (Client, error) {
		cfg, err := config.Load(config.Path(workspace))
		if err != nil {
			logging.ConfigDebug("falling back to defaults: %v", err)
			cfg = config.DefaultConfig()
		}

		spec := kernel.LaunchSpec{
			Path:         cfg.Kernel.Path,
			Args:         cfg.Kernel.Args,
			WorkingDir:   cfg.Kernel.WorkingDir,
			DocumentPath: string(id),
			RuntimePath:  cfg.Kernel.RuntimePath,
		}
		opts := kernel.Options{
			HandshakeTimeout: cfg.Kernel.HandshakeTimeoutDuration(),
			RequestTimeout:   cfg.Kernel.RequestTimeoutDuration(),
			ShutdownGrace:    cfg.Kernel.ShutdownGraceDuration(),
			Channel:          cfg.Kernel.ChannelOrDefault(),
			Tunnel:           tunnel,
			Sink:             sink,
		}

		t := kernel.New(spec, opts)
		if err := t.Launch(ctx); err != nil {
			return nil, err
		}
		return &KernelClient{Transport: t}, nil
	}
}
