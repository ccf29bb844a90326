package cm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadySignalEdgeTriggered(t *testing.T) {
	s := newReadySignal()
	assert.False(t, s.IsSet())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)

	s.Set()
	assert.True(t, s.IsSet())
	require.NoError(t, s.Wait(context.Background()))

	// Set is idempotent.
	s.Set()
	require.NoError(t, s.Wait(context.Background()))

	s.Clear()
	assert.False(t, s.IsSet())
	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	assert.ErrorIs(t, s.Wait(ctx2), context.DeadlineExceeded)
}

func TestReadySignalReleasesBlockedWaiters(t *testing.T) {
	s := newReadySignal()

	done := make(chan error, 1)
	go func() { done <- s.Wait(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	s.Set()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Set")
	}
}
