package config

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestWatch(t *testing.T) {
	t.Run("reload picks up valid edit", func(t *testing.T) {
		path := writeTestConfig(t, "")

		cfg, err := Load(path)
		require.NoError(t, err)

		holder := NewHolder(cfg, path)

		var reloads atomic.Int32
		changed := make(chan *Config, 1)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- Watch(ctx, holder, func(c *Config) {
				reloads.Add(1)
				select {
				case changed <- c:
				default:
				}
			}, testLogger(t))
		}()

		// Give the watcher a moment to register before writing.
		time.Sleep(100 * time.Millisecond)

		require.NoError(t, os.WriteFile(path, []byte(`
[logging]
log_level = "debug"
`), 0o600))

		select {
		case c := <-changed:
			assert.Equal(t, "debug", c.Logging.LogLevel)
			assert.Equal(t, "debug", holder.Config().Logging.LogLevel)
		case <-time.After(5 * time.Second):
			t.Fatal("config change not observed")
		}

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})

	t.Run("invalid edit keeps previous config", func(t *testing.T) {
		path := writeTestConfig(t, "")

		cfg, err := Load(path)
		require.NoError(t, err)

		holder := NewHolder(cfg, path)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- Watch(ctx, holder, func(*Config) {
				t.Error("invalid config must not trigger onChange")
			}, testLogger(t))
		}()

		time.Sleep(100 * time.Millisecond)

		require.NoError(t, os.WriteFile(path, []byte(`
[engine]
seed = -1
`), 0o600))

		// Let the watcher process the event, then confirm the old config
		// is still active.
		time.Sleep(500 * time.Millisecond)
		assert.Equal(t, defaultSeed, holder.Config().Engine.Seed)

		cancel()
		<-done
	})
}
