package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryRunsUntilFalse(t *testing.T) {
	var calls atomic.Int32

	task := Every(5*time.Millisecond, func(context.Context) bool {
		return calls.Add(1) < 3
	})

	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}

	assert.Equal(t, int32(3), calls.Load())
}

func TestStopPreventsFurtherCalls(t *testing.T) {
	var calls atomic.Int32

	task := Every(2*time.Millisecond, func(context.Context) bool {
		calls.Add(1)
		return true
	})

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
	task.Stop()

	stoppedAt := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stoppedAt, calls.Load())

	// second Stop is a no-op
	task.Stop()
}

func TestStopWaitsForInFlightCall(t *testing.T) {
	entered := make(chan struct{})
	var finished atomic.Bool

	task := Every(time.Millisecond, func(ctx context.Context) bool {
		close(entered)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
		return false
	})

	<-entered
	task.Stop()
	assert.True(t, finished.Load())
}

func TestStopBeforeFirstTick(t *testing.T) {
	var calls atomic.Int32

	task := Every(time.Hour, func(context.Context) bool {
		calls.Add(1)
		return true
	})
	task.Stop()

	assert.Zero(t, calls.Load())
	_, open := <-task.Done()
	assert.False(t, open)
}
