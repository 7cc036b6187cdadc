package replog

import (
	"context"
	"sync"
)

type task struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// workQueue runs submitted tasks one at a time, in submission order, on a
// single worker goroutine. A task runs to completion before the next starts,
// including any I/O it performs.
type workQueue struct {
	tasks chan *task
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func newWorkQueue() *workQueue {
	q := &workQueue{
		tasks: make(chan *task),
		stop:  make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *workQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case t := <-q.tasks:
			if err := t.ctx.Err(); err != nil {
				t.done <- err
				continue
			}
			t.done <- t.fn(t.ctx)
		}
	}
}

// Do enqueues fn and waits for its result. If ctx ends before fn starts,
// fn is skipped. Once started, fn is waited for even if ctx ends.
func (q *workQueue) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	t := &task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case q.tasks <- t:
	case <-q.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-t.done
}

// Close stops the worker after the running task, if any, finishes.
func (q *workQueue) Close() {
	q.once.Do(func() {
		close(q.stop)
	})
	q.wg.Wait()
}
