package sync

import (
	"context"
	gosync "sync"
)

// eventTask is one queued local-side operation.
type eventTask func(ctx context.Context) error

// localQueue serializes local-originated operations. Producers append;
// the first append starts the single consumer loop, later appends detect
// the running loop and only enqueue. The consumer reports busy/idle
// transitions so the controller can track status.
type localQueue struct {
	mu      gosync.Mutex
	tasks   []eventTask
	running bool

	onBusy  func()
	onIdle  func()
	onError func(error)
}

func newLocalQueue(onBusy, onIdle func(), onError func(error)) *localQueue {
	if onBusy == nil {
		onBusy = func() {}
	}
	if onIdle == nil {
		onIdle = func() {}
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &localQueue{onBusy: onBusy, onIdle: onIdle, onError: onError}
}

// Push enqueues a task, starting the consumer if none is running.
func (q *localQueue) Push(ctx context.Context, task eventTask) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	go q.drain(ctx)
}

// drain executes tasks one at a time until the queue is empty.
func (q *localQueue) drain(ctx context.Context) {
	q.onBusy()
	defer q.onIdle()

	for {
		q.mu.Lock()
		if len(q.tasks) == 0 || ctx.Err() != nil {
			q.tasks = nil
			q.running = false
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		if err := task(ctx); err != nil {
			q.onError(err)
		}
	}
}

// Idle reports whether no consumer loop is running.
func (q *localQueue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return !q.running
}
