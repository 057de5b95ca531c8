package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherFiresAfterSettledWrite(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Dir(Path(ws)), 0755))

	var fired atomic.Int32
	w, err := NewWatcher(ws, func() { fired.Add(1) })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()
	require.True(t, w.IsWatching())

	cfg := DefaultConfig()
	cfg.Kernel.Path = "/changed"
	require.NoError(t, cfg.Save(Path(ws)))

	// Debounce window is 500ms plus the 100ms tick; allow generous slack.
	deadline := time.Now().Add(5 * time.Second)
	for fired.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("watcher never fired; stats=%+v", w.GetStats())
		}
		time.Sleep(50 * time.Millisecond)
	}

	stats := w.GetStats()
	assert.GreaterOrEqual(t, stats.Writes, 1)
	assert.GreaterOrEqual(t, stats.Reloads, 1)
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Dir(Path(ws))
	require.NoError(t, os.MkdirAll(dir, 0755))

	var fired atomic.Int32
	w, err := NewWatcher(ws, func() { fired.Add(1) })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.txt"), []byte("x"), 0644))

	time.Sleep(time.Second)
	assert.EqualValues(t, 0, fired.Load())
	assert.Equal(t, 0, w.GetStats().Writes)
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Start(ctx), "second start is a no-op")

	w.Stop()
	w.Stop()
	assert.False(t, w.IsWatching())
}
