package filelock

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryLockExcludesASecondHandle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cwd.lock")

	a := New(path)
	require.NoError(t, a.TryLock())

	b := New(path)
	err := b.TryLock()
	assert.ErrorIs(t, err, ErrWouldBlock)

	require.NoError(t, a.Unlock())

	// Released lock is immediately acquirable by another handle.
	require.NoError(t, b.TryLock())
	require.NoError(t, b.Unlock())
}

func TestLockBlocksUntilReleased(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cwd.lock")

	a := New(path)
	require.NoError(t, a.TryLock())

	b := New(path)
	acquired := make(chan struct{})
	go func() {
		_ = b.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired before first Unlock")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, a.Unlock())

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second Lock never acquired after release")
	}
	require.NoError(t, b.Unlock())
}

func TestUnlockOnUnheldLockIsNoop(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "cwd.lock"))
	assert.NoError(t, l.Unlock())
}
