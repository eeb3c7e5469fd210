// Package schedule provides cancellable periodic tasks.
package schedule

import (
	"context"
	"time"
)

const minInterval = time.Millisecond

// Task is a periodic job started by Every.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Every calls fn once per interval, first after one interval has elapsed,
// until fn returns false or Stop is called. The context handed to fn is
// cancelled by Stop, so blocking work inside fn unwinds promptly.
func Every(interval time.Duration, fn func(ctx context.Context) bool) *Task {
	if interval < minInterval {
		interval = minInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &Task{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go task.run(ctx, interval, fn)

	return task
}

func (t *Task) run(ctx context.Context, interval time.Duration, fn func(ctx context.Context) bool) {
	defer close(t.done)
	defer t.cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// select picks randomly when a tick and Stop are both ready.
		if ctx.Err() != nil {
			return
		}

		if !fn(ctx) {
			return
		}
	}
}

// Stop cancels the task and waits for an in-flight call to return.
// After Stop returns fn is never invoked again. Stop is idempotent but must
// not be called from inside fn; return false there instead.
func (t *Task) Stop() {
	t.cancel()
	<-t.done
}

// Done is closed once the task has exited, whichever way it ended.
func (t *Task) Done() <-chan struct{} {
	return t.done
}
