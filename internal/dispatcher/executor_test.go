package dispatcher

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorRunsWorkFIFO(t *testing.T) {
	e := NewExecutor(16)
	defer e.Shutdown()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	for i := 0; i < 10; i++ {
		i := i
		ok := e.Enqueue(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == 9 {
				close(done)
			}
		})
		require.True(t, ok)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("executor never ran the queued work")
	}

	mu.Lock()
	defer mu.Unlock()
	expected := make([]int, 10)
	for i := range expected {
		expected[i] = i
	}
	assert.Equal(t, expected, order)
}

func TestExecutorEnqueueFuncAsyncReportsResult(t *testing.T) {
	e := NewExecutor(4)
	defer e.Shutdown()

	result := make(chan error, 1)
	ok := e.EnqueueFuncAsync(func() error { return assert.AnError }, func(err error) { result <- err })
	require.True(t, ok)

	select {
	case err := <-result:
		assert.Equal(t, assert.AnError, err)
	case <-time.After(2 * time.Second):
		t.Fatal("callback never invoked")
	}
}

func TestExecutorShutdownWaitsForInFlightWorkAndRejectsNew(t *testing.T) {
	e := NewExecutor(4)

	started := make(chan struct{})
	release := make(chan struct{})
	require.True(t, e.Enqueue(func() {
		close(started)
		<-release
	}))
	<-started

	shutdownDone := make(chan struct{})
	go func() {
		e.Shutdown()
		close(shutdownDone)
	}()

	// Shutdown must block until the in-flight work releases.
	select {
	case <-shutdownDone:
		t.Fatal("Shutdown returned before in-flight work completed")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case <-shutdownDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown never returned after in-flight work completed")
	}

	assert.False(t, e.Enqueue(func() {}))
}
