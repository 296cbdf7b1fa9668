package engine_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/conveyor/pkg/engine"
)

func TestMonitors_StartCancelWait(t *testing.T) {
	m := engine.NewMonitors()
	var stopped atomic.Bool

	require.NoError(t, m.Start(context.Background(), "exec-1", func(ctx context.Context) {
		<-ctx.Done()
		stopped.Store(true)
	}))
	assert.Error(t, m.Start(context.Background(), "exec-1", func(context.Context) {}), "one monitor per execution")
	assert.Equal(t, []string{"exec-1"}, m.Active())

	assert.True(t, m.Cancel("exec-1"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx, "exec-1"))
	assert.True(t, stopped.Load())

	require.Eventually(t, func() bool { return len(m.Active()) == 0 }, time.Second, time.Millisecond)
	assert.False(t, m.Cancel("exec-1"))
}

func TestMonitors_DetachedFromParent(t *testing.T) {
	m := engine.NewMonitors()
	parent, cancelParent := context.WithCancel(context.Background())
	release := make(chan struct{})
	var sawCancel atomic.Bool

	require.NoError(t, m.Start(parent, "exec-1", func(ctx context.Context) {
		select {
		case <-ctx.Done():
			sawCancel.Store(true)
		case <-release:
		}
	}))
	cancelParent()
	time.Sleep(20 * time.Millisecond)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx, "exec-1"))
	assert.False(t, sawCancel.Load())
}

func TestMonitors_Shutdown(t *testing.T) {
	m := engine.NewMonitors()
	for _, id := range []string{"a", "b"} {
		require.NoError(t, m.Start(context.Background(), id, func(ctx context.Context) { <-ctx.Done() }))
	}
	m.Shutdown(time.Second)
	require.Eventually(t, func() bool { return len(m.Active()) == 0 }, time.Second, time.Millisecond)
	assert.Error(t, m.Start(context.Background(), "c", func(context.Context) {}))
}
