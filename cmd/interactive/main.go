package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cloudwu01/interactive/internal/client"
	"github.com/cloudwu01/interactive/internal/config"
	"github.com/cloudwu01/interactive/internal/kernel"
	"github.com/cloudwu01/interactive/internal/logging"
)

var version = "0.1.0"

var (
	// Global flags
	verbose   bool
	workspace string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "interactive",
	Short: "interactive - notebook kernel supervisor",
	Long: `interactive supervises out-of-process notebook kernels.

It launches one kernel subprocess per document, waits for the kernel to
announce its endpoint, routes correlated requests and unsolicited
notifications over the negotiated channel, and tears kernels down when
their documents close.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ws := workspace
		if ws == "" {
			ws, _ = os.Getwd()
		}
		if err := logging.Initialize(ws); err != nil {
			logger.Warn("file logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd launches a kernel for one document and relays requests from stdin
var runCmd = &cobra.Command{
	Use:   "run [document]",
	Short: "Launch a kernel for a document and relay requests from stdin",
	Long: `Launches the configured kernel for the given document, waits for it
to become ready, then reads one JSON request payload per stdin line,
submits each to the kernel and prints the correlated response. Unsolicited
kernel notifications are printed as they arrive.

Example:
  echo '{"op":"eval","code":"1+1"}' | interactive run notebook.inb`,
	Args: cobra.ExactArgs(1),
	RunE: runKernel,
}

// initCmd writes a default workspace configuration
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default workspace configuration",
	RunE:  runInit,
}

// statusCmd shows the effective configuration
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the effective kernel configuration",
	RunE:  showStatus,
}

// versionCmd prints the version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("interactive %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveWorkspace() string {
	if workspace != "" {
		return workspace
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// runKernel wires the full path: config, watcher, mapper, one document.
func runKernel(cmd *cobra.Command, args []string) error {
	ws := resolveWorkspace()
	document := args[0]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	// Config edits apply to the next kernel launch; the watcher also
	// refreshes logging categories live.
	watcher, err := config.NewWatcher(ws, nil)
	if err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
	} else if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", zap.Error(err))
	} else {
		defer watcher.Stop()
	}

	mapper := client.NewMapper(client.NewKernelFactory(ws, nil, stderrSink{}))
	defer mapper.CloseAll()

	logger.Info("Launching kernel", zap.String("document", document))
	c, err := mapper.GetOrCreate(ctx, client.DocumentID(document))
	if err != nil {
		return fmt.Errorf("launching kernel: %w", err)
	}
	if err := c.WaitForReady(ctx); err != nil {
		return fmt.Errorf("kernel did not become ready: %w", err)
	}

	kc := c.(*client.KernelClient)
	logger.Info("Kernel ready",
		zap.Int("port", kc.Transport.Port()),
		zap.String("endpoint", kc.Transport.LocalURI()))

	sub := kc.Subscribe(func(n kernel.Notification) {
		out, _ := json.Marshal(map[string]any{"event": json.RawMessage(n.Payload)})
		fmt.Println(string(out))
	})
	defer sub.Cancel()

	return relayRequests(ctx, kc)
}

// relayRequests reads one JSON payload per stdin line and prints the
// kernel's correlated response.
func relayRequests(ctx context.Context, kc *client.KernelClient) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if len(line) == 0 {
				continue
			}
			if !json.Valid([]byte(line)) {
				fmt.Fprintf(os.Stderr, "skipping invalid JSON: %s\n", line)
				continue
			}
			start := time.Now()
			resp, err := kc.Submit(ctx, json.RawMessage(line))
			if err != nil {
				fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
				continue
			}
			logger.Debug("request complete", zap.Duration("elapsed", time.Since(start)))
			fmt.Println(string(resp))
		}
	}
}

// stderrSink forwards kernel diagnostics to this process's stderr.
type stderrSink struct{}

func (stderrSink) WriteLine(source, line string) {
	fmt.Fprintf(os.Stderr, "[kernel %s] %s\n", source, line)
}

func runInit(cmd *cobra.Command, args []string) error {
	ws := resolveWorkspace()
	path := config.Path(ws)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	cfg := config.DefaultConfig()
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func showStatus(cmd *cobra.Command, args []string) error {
	ws := resolveWorkspace()
	cfg, err := config.Load(config.Path(ws))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	fmt.Printf("interactive %s\n\n", version)
	fmt.Printf("Workspace:         %s\n", ws)
	fmt.Printf("Kernel path:       %s\n", cfg.Kernel.Path)
	fmt.Printf("Runtime path:      %s\n", orNone(cfg.Kernel.RuntimePath))
	fmt.Printf("Request channel:   %s\n", cfg.Kernel.ChannelOrDefault())
	fmt.Printf("Handshake timeout: %s\n", cfg.Kernel.HandshakeTimeoutDuration())
	fmt.Printf("Request timeout:   %s\n", cfg.Kernel.RequestTimeoutDuration())
	fmt.Printf("Shutdown grace:    %s\n", cfg.Kernel.ShutdownGraceDuration())
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
