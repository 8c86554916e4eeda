package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, c.Worker.MaxJobs)
	assert.Equal(t, time.Second, c.Worker.PollInterval)
}

func TestFileOverlayIsPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  max_jobs: 9\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, c.Worker.MaxJobs)
	// Untouched fields keep their defaults.
	assert.Equal(t, time.Second, c.Worker.PollInterval)
}

func TestEnvOverlayWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("namespace: fromfile\n"), 0o644))

	t.Setenv("PIGEON_NAMESPACE", "fromenv")
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fromenv", c.Namespace)
}

func TestGetSetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	c, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, c.Set("worker.max_jobs", "7"))
	v, ok := c.Get("worker.max_jobs")
	require.True(t, ok)
	assert.Equal(t, "7", v)

	// Persisted to disk: a fresh Load from the same path sees it.
	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, reloaded.Worker.MaxJobs)
}

func TestSetRejectsBadValues(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	assert.Error(t, c.Set("worker.max_jobs", "not-a-number"))
	assert.Error(t, c.Set("worker.poll_interval", "not-a-duration"))
	assert.Error(t, c.Set("unknown.key", "x"))
}

func TestGetUnknownKey(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	_, ok := c.Get("nonexistent")
	assert.False(t, ok)
}
