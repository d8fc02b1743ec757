package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_RunsTasksInOrder(t *testing.T) {
	l := New(nil)

	var got []int
	for i := 1; i <= 3; i++ {
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	l.Stop()

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestLoop_PostAfterStopRefused(t *testing.T) {
	l := New(nil)
	l.Stop()
	l.Stop()

	assert.False(t, l.Post(func() {}))
}

func TestLoop_TaskCanPostFollowUp(t *testing.T) {
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	l.Post(func() {
		l.Post(func() { close(done) })
	})

	go l.Run(ctx)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("follow-up task never ran")
	}
}

func TestLoop_PanicDoesNotStopLoop(t *testing.T) {
	l := New(nil)

	ran := false
	l.Post(func() { panic("boom") })
	l.Post(func() { ran = true })
	l.Stop()

	require.NoError(t, l.Run(context.Background()))
	assert.True(t, ran)
}

func TestLoop_ContextCancelStops(t *testing.T) {
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, l.Post(func() {}))
}

func TestLoop_DoFromManyGoroutines(t *testing.T) {
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Do(ctx, func() { counter++ }))
		}()
	}
	wg.Wait()

	require.NoError(t, l.Do(ctx, func() {}))
	assert.Equal(t, 50, counter)
}
