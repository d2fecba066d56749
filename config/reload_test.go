package config

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func touchLater(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	later := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, later, later))
}

func TestReloader_ReloadAppliesAndNotifies(t *testing.T) {
	path := writeConfig(t, "stream:\n  system_prompt: old\n")
	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	r := NewReloader(path, cfg, nil, zaptest.NewLogger(t))
	var got *Config
	r.OnReload(func(_, next *Config) error {
		got = next
		return nil
	})

	require.NoError(t, os.WriteFile(path, []byte("stream:\n  system_prompt: new\n"), 0o644))
	require.NoError(t, r.Reload())

	require.NotNil(t, got)
	assert.Equal(t, "new", got.Stream.SystemPrompt)
	assert.Same(t, got, r.Current())
}

func TestReloader_InvalidConfigKeepsCurrent(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 8080\n")
	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	r := NewReloader(path, cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: -1\n"), 0o644))

	err = r.Reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
	assert.Same(t, cfg, r.Current())
}

func TestReloader_CallbackFailureRollsBack(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")
	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	r := NewReloader(path, cfg, nil, zaptest.NewLogger(t))
	r.OnReload(func(_, _ *Config) error { return errors.New("rejected") })
	r.OnReload(func(_, _ *Config) error { panic("never reached") })

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))
	require.Error(t, r.Reload())
	assert.Equal(t, "info", r.Current().Log.Level)
}

func TestReloader_CallbackPanicRollsBack(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")
	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	r := NewReloader(path, cfg, nil, zaptest.NewLogger(t))
	r.OnReload(func(_, _ *Config) error { panic("boom") })

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))
	err = r.Reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Same(t, cfg, r.Current())
}

func TestReloader_RunPicksUpFileChanges(t *testing.T) {
	path := writeConfig(t, "stream:\n  flush_every: 5\n")
	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	r := NewReloader(path, cfg, nil, zaptest.NewLogger(t)).WithInterval(10 * time.Millisecond)
	var flushEvery atomic.Int64
	r.OnReload(func(_, next *Config) error {
		flushEvery.Store(int64(next.Stream.FlushEvery))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	touchLater(t, path, "stream:\n  flush_every: 7\n")
	assert.Eventually(t, func() bool { return flushEvery.Load() == 7 }, 2*time.Second, 10*time.Millisecond)
}

func TestDiff(t *testing.T) {
	a := DefaultConfig()
	b := DefaultConfig()
	b.Stream.SystemPrompt = "changed"
	b.Stream.FlushEvery = 3
	b.Log.Level = "debug"
	b.Server.HTTPPort = 9000
	b.Providers.OpenAI.Prefixes = []string{"gpt-5"}

	changes := Diff(a, b)
	assert.ElementsMatch(t, []string{"Stream", "Log.Level", "Server.HTTPPort", "Providers.OpenAI.Prefixes"}, changes)

	assert.True(t, HotReloadable("Stream"))
	assert.True(t, HotReloadable("Log.Level"))
	assert.False(t, HotReloadable("Server.HTTPPort"))
	assert.Empty(t, Diff(a, DefaultConfig()))
	assert.Nil(t, Diff(nil, b))
}
