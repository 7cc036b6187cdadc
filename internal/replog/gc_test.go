package replog

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DobryySoul/causalkv/internal/blob"
	"github.com/DobryySoul/causalkv/internal/cid"
	"github.com/DobryySoul/causalkv/internal/storage"
	"github.com/DobryySoul/causalkv/internal/vclock"
)

func newTestPartition(t *testing.T, replica string, blobs blob.Store, ps PubSub) *Partition {
	t.Helper()
	if blobs == nil {
		blobs = blob.NewMemory()
	}
	p, err := Open(context.Background(), Config{
		Name:         "test",
		Replica:      replica,
		Store:        storage.NewMemoryStore(),
		Blobs:        blobs,
		PubSub:       ps,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func cached(t *testing.T, p *Partition, id cid.ID) bool {
	t.Helper()
	_, ok, err := p.Log().Get(context.Background(), id)
	require.NoError(t, err)
	return ok
}

func TestGCDropsSupersededEntries(t *testing.T) {
	ctx := context.Background()
	p := newTestPartition(t, "r1", nil, nil)

	first, err := p.Put(ctx, "a", []byte("v1"))
	require.NoError(t, err)
	second, err := p.Put(ctx, "a", []byte("v2"))
	require.NoError(t, err)
	p.WaitGC()

	require.False(t, cached(t, p, first))
	require.True(t, cached(t, p, second))

	value, err := p.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "v2", string(value))

	// the canonical record survives in the blob store
	_, err = p.Log().Resolve(ctx, first)
	require.NoError(t, err)
}

func TestGCDropsDeletedVersions(t *testing.T) {
	ctx := context.Background()
	p := newTestPartition(t, "r1", nil, nil)

	id, err := p.Put(ctx, "a", []byte("v1"))
	require.NoError(t, err)
	_, err = p.Del(ctx, "a")
	require.NoError(t, err)
	p.WaitGC()
	require.False(t, cached(t, p, id))

	_, err = p.Get(ctx, "a")
	require.True(t, storage.IsNotFound(err))
}

func TestGCIsTransparent(t *testing.T) {
	ctx := context.Background()
	p := newTestPartition(t, "r1", nil, nil)

	for i := 0; i < 10; i++ {
		_, err := p.Put(ctx, "k", []byte{byte('0' + i)})
		require.NoError(t, err)
		_, err = p.Put(ctx, "other", []byte("x"))
		require.NoError(t, err)
	}
	before, err := p.Get(ctx, "k")
	require.NoError(t, err)
	p.WaitGC()
	after, err := p.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, "9", string(after))
}

func TestGCWaitsForIterators(t *testing.T) {
	ctx := context.Background()
	p := newTestPartition(t, "r1", nil, nil)

	first, err := p.Put(ctx, "a", []byte("v1"))
	require.NoError(t, err)
	p.WaitGC()

	it := p.NewIterator(IteratorOptions{})
	_, err = p.Put(ctx, "a", []byte("v2"))
	require.NoError(t, err)
	p.WaitGC()
	require.True(t, cached(t, p, first))

	pair, ok, err := it.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(pair.Value))

	require.NoError(t, it.Close())
	p.WaitGC()
	require.False(t, cached(t, p, first))
}

func TestGCHoldsIteratorsDuringSweep(t *testing.T) {
	ctx := context.Background()
	p := newTestPartition(t, "r1", nil, nil)
	_, err := p.Put(ctx, "a", []byte("v1"))
	require.NoError(t, err)

	c := p.gc
	c.mu.Lock()
	c.sweeping = true
	c.mu.Unlock()

	it := p.NewIterator(IteratorOptions{})
	done := make(chan Pair, 1)
	go func() {
		pair, _, _ := it.Next(ctx)
		done <- pair
	}()
	select {
	case <-done:
		t.Fatal("iterator advanced during sweep")
	case <-time.After(20 * time.Millisecond):
	}

	// a real sweep resumes the held iterators once it completes
	c.mu.Lock()
	c.sweeping = false
	c.pending[cid.Sum([]byte("unknown"))] = struct{}{}
	c.iterators = 0
	c.startLocked()
	c.iterators = 1
	c.mu.Unlock()

	select {
	case pair := <-done:
		require.Equal(t, "a", pair.Key)
	case <-time.After(time.Second):
		t.Fatal("iterator not resumed")
	}
	require.NoError(t, it.Close())
}

type failingStore struct {
	storage.Store
	fail bool
}

func (s *failingStore) Write(ctx context.Context, b *storage.Batch) error {
	if s.fail {
		for _, op := range b.Ops() {
			if op.Kind == storage.OpDelete {
				return errors.New("disk full")
			}
		}
	}
	return s.Store.Write(ctx, b)
}

func TestGCSweepFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: storage.NewMemoryStore(), fail: true}
	errc := make(chan error, 4)
	p, err := Open(ctx, Config{
		Name:    "test",
		Replica: "r1",
		Store:   store,
		Blobs:   blob.NewMemory(),
		OnError: func(err error) { errc <- err },
	})
	require.NoError(t, err)
	defer p.Close()

	first, err := p.Put(ctx, "a", []byte("v1"))
	require.NoError(t, err)
	_, err = p.Put(ctx, "a", []byte("v2"))
	require.NoError(t, err)
	p.WaitGC()

	var sweepErr *SweepError
	require.ErrorAs(t, <-errc, &sweepErr)
	require.True(t, cached(t, p, first))

	store.fail = false
	_, err = p.Put(ctx, "b", []byte("v"))
	require.NoError(t, err)
	p.WaitGC()
	require.False(t, cached(t, p, first))
}

// gatedStore blocks the first batch containing deletes once armed.
type gatedStore struct {
	storage.Store
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) Write(ctx context.Context, b *storage.Batch) error {
	for _, op := range b.Ops() {
		if op.Kind == storage.OpDelete && s.armed.CompareAndSwap(true, false) {
			close(s.entered)
			<-s.release
			break
		}
	}
	return s.Store.Write(ctx, b)
}

func TestGCSweepsCandidatesAddedDuringSweep(t *testing.T) {
	ctx := context.Background()
	store := &gatedStore{
		Store:   storage.NewMemoryStore(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	p, err := Open(ctx, Config{
		Name:    "test",
		Replica: "r1",
		Store:   store,
		Blobs:   blob.NewMemory(),
	})
	require.NoError(t, err)
	defer p.Close()

	// a cached entry no key points at
	stray := cid.Sum([]byte("stray"))
	require.NoError(t, p.Log().Set(ctx, stray, &Entry{
		Key:   "gone",
		Blob:  cid.Sum([]byte("x")),
		Clock: vclock.Clock{"r1": 9},
	}))

	_, err = p.Put(ctx, "a", []byte("v1"))
	require.NoError(t, err)
	store.armed.Store(true)
	_, err = p.Put(ctx, "a", []byte("v2"))
	require.NoError(t, err)

	select {
	case <-store.entered:
	case <-time.After(time.Second):
		t.Fatal("sweep did not start")
	}
	p.gc.track(Change{Key: "gone", LogCID: cid.Sum([]byte("newer")), Previous: stray})
	close(store.release)

	require.Eventually(t, func() bool {
		_, ok, err := p.Log().Get(ctx, stray)
		return err == nil && !ok
	}, time.Second, time.Millisecond)
}
