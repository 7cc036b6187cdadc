package replog

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DobryySoul/causalkv/internal/blob"
	"github.com/DobryySoul/causalkv/internal/cid"
	"github.com/DobryySoul/causalkv/internal/storage"
	"github.com/DobryySoul/causalkv/internal/vclock"
)

func newTestLog(t *testing.T, replica string, blobs blob.Store) *Log {
	t.Helper()
	if blobs == nil {
		blobs = blob.NewMemory()
	}
	l := NewLog(replica, storage.NewMemoryStore(), blobs, nil)
	t.Cleanup(l.Close)
	return l
}

func pushValue(t *testing.T, l *Log, key, value string) cid.ID {
	t.Helper()
	ctx := context.Background()
	ref, err := l.blobs.Put(ctx, []byte(value))
	require.NoError(t, err)
	id, err := l.Push(ctx, key, ref)
	require.NoError(t, err)
	return id
}

func TestLogPushChainsEntries(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, "r1", nil)

	head, err := l.LatestHeadCID(ctx)
	require.NoError(t, err)
	require.Empty(t, head)

	first := pushValue(t, l, "a", "v1")
	entry, err := l.Resolve(ctx, first)
	require.NoError(t, err)
	require.Equal(t, "a", entry.Key)
	require.Empty(t, entry.Parents)
	require.Equal(t, vclock.Clock{"r1": 1}, entry.Clock)

	second := pushValue(t, l, "b", "v2")
	entry, err = l.Resolve(ctx, second)
	require.NoError(t, err)
	require.Equal(t, []cid.ID{first}, entry.Parents)
	require.Equal(t, vclock.Clock{"r1": 2}, entry.Clock)

	head, err = l.LatestHeadCID(ctx)
	require.NoError(t, err)
	require.Equal(t, second, head)

	latest, id, err := l.Latest(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, first, id)
	value, err := l.Blob(ctx, latest.Blob)
	require.NoError(t, err)
	require.Equal(t, "v1", string(value))
}

func TestLogEntryIsContentAddressed(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemory()
	l := newTestLog(t, "r1", blobs)

	id := pushValue(t, l, "a", "v1")
	data, err := blobs.Get(ctx, id)
	require.NoError(t, err)
	require.NoError(t, cid.Verify(id, data))
	require.NotContains(t, string(data), "isNew")
}

func TestLogDelWritesTombstone(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, "r1", nil)

	put := pushValue(t, l, "a", "v1")
	del, err := l.Del(ctx, "a")
	require.NoError(t, err)

	entry, id, err := l.Latest(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, del, id)
	require.True(t, entry.Deleted)
	require.Empty(t, entry.Blob)
	require.Equal(t, []cid.ID{put}, entry.Parents)
}

func TestLogLatestMissingKey(t *testing.T) {
	l := newTestLog(t, "r1", nil)
	entry, id, err := l.Latest(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, entry)
	require.Empty(t, id)
}

func TestLogRejectsEmptyKey(t *testing.T) {
	l := newTestLog(t, "r1", nil)
	_, err := l.Del(context.Background(), "")
	require.Error(t, err)
}

func TestLogHooks(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, "r1", nil)

	var changes []Change
	var heads []cid.ID
	l.OnChange(func(c Change) { changes = append(changes, c) })
	l.OnNewHead(func(id cid.ID) { heads = append(heads, id) })

	first := pushValue(t, l, "a", "v1")
	second := pushValue(t, l, "a", "v2")
	require.NoError(t, l.Impose(ctx, "a", first))
	require.NoError(t, l.Impose(ctx, "a", first))

	require.Equal(t, []Change{
		{Key: "a", LogCID: first},
		{Key: "a", LogCID: second, Previous: first},
		{Key: "a", LogCID: first, Previous: second},
	}, changes)
	require.Equal(t, []cid.ID{first, second}, heads)
}

func TestLogSerializesConcurrentPushes(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, "r1", nil)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := l.blobs.Put(ctx, []byte("v"))
			if err != nil {
				t.Error(err)
				return
			}
			if _, err := l.Push(ctx, "k", ref); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	head, _, err := l.LatestHead(ctx)
	require.NoError(t, err)
	require.Equal(t, vclock.Clock{"r1": n}, head.Clock)
}

func TestLogTransactionAndSetHead(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t, "r1", nil)
	a := pushValue(t, l, "a", "v1")

	merge := &Entry{Parents: sortedParents(a, a, ""), Clock: vclock.Clock{"r1": 1, "r2": 3}}
	id, err := l.SetHead(ctx, merge)
	require.NoError(t, err)

	head, headID, err := l.LatestHead(ctx)
	require.NoError(t, err)
	require.Equal(t, id, headID)
	require.True(t, head.IsMerge())
	require.Equal(t, []cid.ID{a}, head.Parents)

	require.NoError(t, l.SetHeadCID(ctx, a))
	headID, err = l.LatestHeadCID(ctx)
	require.NoError(t, err)
	require.Equal(t, a, headID)

	var seen cid.ID
	err = l.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		seen, err = tx.LatestHeadCID(ctx)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, a, seen)
}

func TestLogClosed(t *testing.T) {
	l := NewLog("r1", storage.NewMemoryStore(), blob.NewMemory(), nil)
	l.Close()
	l.Close()
	_, err := l.Del(context.Background(), "a")
	require.ErrorIs(t, err, ErrClosed)
}

func TestLogCanceledContext(t *testing.T) {
	l := newTestLog(t, "r1", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Del(ctx, "a")
	require.ErrorIs(t, err, context.Canceled)

	entry, _, err := l.Latest(context.Background(), "a")
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestEntryEncoding(t *testing.T) {
	e := &Entry{Key: "a", Blob: cid.Sum([]byte("v")), Clock: vclock.Clock{"r2": 1, "r1": 2}, IsNew: true}
	data, err := e.Marshal()
	require.NoError(t, err)
	require.JSONEq(t, `{"key":"a","cid":"`+string(e.Blob)+`","parents":[],"clock":{"r1":2,"r2":1}}`, string(data))

	cached, err := e.marshalCache()
	require.NoError(t, err)
	decoded, err := UnmarshalEntry(cached)
	require.NoError(t, err)
	require.True(t, decoded.IsNew)
	require.Equal(t, e.Clock, decoded.Clock)

	_, err = UnmarshalEntry([]byte(`{"key":"a","parents":[],"clock":{}}`))
	require.Error(t, err)
}
