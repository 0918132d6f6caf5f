package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoopWorkerRestartReplacesRunningLoops(t *testing.T) {
	starts := make(chan struct{}, 2)
	stops := make(chan struct{}, 2)
	w := newLoopWorker(func(ctx context.Context) {
		starts <- struct{}{}
		<-ctx.Done()
		stops <- struct{}{}
	})

	require.NoError(t, w.Restart(context.Background()))
	<-starts
	require.True(t, w.Alive())

	// Restarting while the loops are running tears the old set down and
	// spawns a new one; a hung set must not survive as a no-op.
	require.NoError(t, w.Restart(context.Background()))
	<-stops
	<-starts
	require.True(t, w.Alive())

	w.Stop()
	require.False(t, w.Alive())
}

func TestLoopWorkerStopBeforeStartIsNoOp(t *testing.T) {
	w := newLoopWorker(func(ctx context.Context) { <-ctx.Done() })
	w.Stop()
	require.False(t, w.Alive())
}
