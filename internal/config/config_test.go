package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekonda/kutana/internal/config"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		content   string
		noFile    bool
		wantErr   bool
		assertCfg func(t *testing.T, cm *config.Manager)
	}{
		"Full configuration": {
			content: `
prefixes: ["!", "?"]
concurrency: 8
queue_size: 32
backends:
  - kind: telegram
    token: "123:abc"
    messages_per_second: 10
`,
			assertCfg: func(t *testing.T, cm *config.Manager) {
				t.Helper()
				assert.Equal(t, []string{"!", "?"}, cm.Prefixes())
				assert.Equal(t, 8, cm.Concurrency())
				assert.Equal(t, 32, cm.QueueSize())
				require.Len(t, cm.Backends(), 1)
				b := cm.Backends()[0]
				assert.Equal(t, "telegram", b.Kind)
				assert.Equal(t, "123:abc", b.Token)
				assert.Equal(t, float64(10), b.MessagesPerSecond)
			},
		},
		"Defaults are applied": {
			content: `
backends: []
`,
			assertCfg: func(t *testing.T, cm *config.Manager) {
				t.Helper()
				assert.Empty(t, cm.Prefixes())
				assert.Equal(t, config.DefaultConcurrency, cm.Concurrency())
				assert.Equal(t, config.DefaultQueueSize, cm.QueueSize())
				assert.Empty(t, cm.Backends())
			},
		},

		// Error cases
		"Missing file":                   {noFile: true, wantErr: true},
		"Invalid YAML":                   {content: "backends: [", wantErr: true},
		"Telegram backend without token": {content: "backends:\n  - kind: telegram\n", wantErr: true},
		"Unknown backend kind":           {content: "backends:\n  - kind: icq\n    token: t\n", wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "kutana.yaml")
			if !tc.noFile {
				require.NoError(t, os.WriteFile(path, []byte(tc.content), 0600), "Setup: failed to write config file")
			}

			cm := config.New(path)
			err := cm.Load()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.assertCfg(t, cm)
		})
	}
}

func TestBackendConfKey(t *testing.T) {
	t.Parallel()

	base := config.BackendConf{Kind: "telegram", Token: "t"}
	assert.Equal(t, base.Key(), config.BackendConf{Kind: "telegram", Token: "t"}.Key())

	changed := base
	changed.Token = "other"
	assert.NotEqual(t, base.Key(), changed.Key(), "token changes must change the key")

	changed = base
	changed.MessagesPerSecond = 5
	assert.NotEqual(t, base.Key(), changed.Key(), "rate changes must change the key")
}

func TestWatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "kutana.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backends: []\n"), 0600), "Setup: failed to write config file")

	cm := config.New(path)
	require.NoError(t, cm.Load())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, errs, err := cm.Watch(ctx)
	require.NoError(t, err)

	// A valid rewrite triggers a reload notification.
	require.NoError(t, os.WriteFile(path, []byte("concurrency: 3\nbackends: []\n"), 0600))
	select {
	case <-changes:
	case err := <-errs:
		t.Fatalf("unexpected watcher error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a configuration change notification")
	}
	assert.Equal(t, 3, cm.Concurrency())

	// Changes to unrelated files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0600))
	select {
	case <-changes:
		t.Fatal("unrelated file change should not notify")
	case <-time.After(300 * time.Millisecond):
	}

	// Cancelling the context stops the watcher and closes its channels.
	cancel()
	select {
	case _, ok := <-changes:
		assert.False(t, ok, "changes channel should be closed")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the watcher to stop")
	}
}

func TestWatchInvalidReloadKeepsConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "kutana.yaml")
	require.NoError(t, os.WriteFile(path, []byte("concurrency: 7\nbackends: []\n"), 0600), "Setup: failed to write config file")

	cm := config.New(path)
	require.NoError(t, cm.Load())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, _, err := cm.Watch(ctx)
	require.NoError(t, err)

	// A broken rewrite must not notify nor clobber the loaded config.
	require.NoError(t, os.WriteFile(path, []byte("backends: ["), 0600))
	select {
	case <-changes:
		t.Fatal("invalid configuration should not notify")
	case <-time.After(500 * time.Millisecond):
	}
	assert.Equal(t, 7, cm.Concurrency())
}
