package halt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "sub", ".halt"))
}

func TestSignalHaltedClear(t *testing.T) {
	c := newTestCoordinator(t)
	assert.False(t, c.Halted())

	require.NoError(t, c.Signal())
	assert.True(t, c.Halted())
	require.NoError(t, c.Signal(), "signalling twice is fine")

	require.NoError(t, c.Clear())
	assert.False(t, c.Halted())
	require.NoError(t, c.Clear(), "clearing twice is fine")
}

func TestHaltedObservationSticks(t *testing.T) {
	c := newTestCoordinator(t)
	require.NoError(t, c.Signal())
	require.True(t, c.Halted())

	// Removing the marker behind the coordinator's back does not undo an
	// observed halt; only Clear does.
	other := New(c.path)
	require.NoError(t, other.Clear())
	assert.True(t, c.Halted())
}

func TestWaitCompletes(t *testing.T) {
	c := newTestCoordinator(t)
	done := c.Wait(context.Background(), 20*time.Millisecond)
	assert.True(t, done)
}

func TestWaitInterruptedByHalt(t *testing.T) {
	c := newTestCoordinator(t)
	require.NoError(t, c.Signal())
	assert.False(t, c.Wait(context.Background(), 10*time.Second))
}

func TestWaitInterruptedByContext(t *testing.T) {
	c := newTestCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.False(t, c.Wait(ctx, 10*time.Second))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestContextBridgesHalt(t *testing.T) {
	c := newTestCoordinator(t)
	ctx, cancel := c.Context(context.Background())
	defer cancel()

	require.NoError(t, c.Signal())
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled after halt signal")
	}
}
