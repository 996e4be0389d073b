package config

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := writeConfig(t, validYAML)

	var mu sync.Mutex
	var got *Config

	watcher, err := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		defer mu.Unlock()
		got = cfg
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher.Run(ctx)

	// Give the watcher a moment to arm before the write.
	time.Sleep(50 * time.Millisecond)

	updated := validYAML + "\n# touched\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ":9090", got.Listen)
}

func TestWatcher_BrokenChangeDropped(t *testing.T) {
	path := writeConfig(t, validYAML)

	var mu sync.Mutex
	calls := 0

	watcher, err := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		defer mu.Unlock()
		calls++
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher.Run(ctx)

	time.Sleep(50 * time.Millisecond)

	// A change that fails validation never reaches the callback.
	require.NoError(t, os.WriteFile(path, []byte("listen: \":8080\"\n"), 0o600))

	time.Sleep(500 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls)
}

func TestWatcher_MissingDirectory(t *testing.T) {
	_, err := NewWatcher("/nonexistent-dir/edgegate.yaml", func(*Config) {}, nil)
	assert.Error(t, err)
}
