package replog

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkQueueRunsInOrderOneAtATime(t *testing.T) {
	q := newWorkQueue()
	defer q.Close()

	var (
		mu      sync.Mutex
		order   []int
		active  atomic.Int32
		overlap atomic.Bool
	)
	release := make(chan struct{})
	first := make(chan struct{})
	go func() {
		_ = q.Do(context.Background(), func(context.Context) error {
			close(first)
			<-release
			mu.Lock()
			order = append(order, 0)
			mu.Unlock()
			return nil
		})
	}()
	<-first

	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = q.Do(context.Background(), func(context.Context) error {
				if active.Add(1) != 1 {
					overlap.Store(true)
				}
				time.Sleep(time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				active.Add(-1)
				return nil
			})
		}(i)
		// the worker is busy, so submissions queue up in order
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	wg.Wait()
	require.False(t, overlap.Load())
	require.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestWorkQueueSkipsCanceledTasks(t *testing.T) {
	q := newWorkQueue()
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	err := q.Do(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, ran)
}

func TestWorkQueueClosed(t *testing.T) {
	q := newWorkQueue()
	q.Close()
	q.Close()
	err := q.Do(context.Background(), func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrClosed)
}
