package blob

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DobryySoul/causalkv/internal/cid"
	"github.com/DobryySoul/causalkv/internal/storage"
)

func TestStoresRoundTrip(t *testing.T) {
	ctx := context.Background()
	stores := map[string]Store{
		"memory": NewMemory(),
		"kv":     NewKV(storage.NewMemoryStore()),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			id, err := s.Put(ctx, []byte("hello"))
			require.NoError(t, err)
			require.Equal(t, cid.Sum([]byte("hello")), id)

			data, err := s.Get(ctx, id)
			require.NoError(t, err)
			require.Equal(t, "hello", string(data))

			again, err := s.Put(ctx, []byte("hello"))
			require.NoError(t, err)
			require.Equal(t, id, again)

			_, err = s.Get(ctx, cid.Sum([]byte("missing")))
			require.True(t, storage.IsNotFound(err))
		})
	}
}

type mapFetcher struct {
	blobs map[cid.ID][]byte
	calls int
}

func (f *mapFetcher) Fetch(_ context.Context, id cid.ID) ([]byte, error) {
	f.calls++
	data, ok := f.blobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return data, nil
}

func TestFetchingFallsBackAndCaches(t *testing.T) {
	ctx := context.Background()
	id := cid.Sum([]byte("remote"))
	fetcher := &mapFetcher{blobs: map[cid.ID][]byte{id: []byte("remote")}}
	local := NewMemory()
	store := NewFetching(local, fetcher)

	data, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "remote", string(data))
	require.True(t, local.Has(id))

	_, err = store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, fetcher.calls)
}

func TestFetchingRejectsCorruptBlob(t *testing.T) {
	id := cid.Sum([]byte("expected"))
	fetcher := &mapFetcher{blobs: map[cid.ID][]byte{id: []byte("tampered")}}
	store := NewFetching(NewMemory(), fetcher)

	_, err := store.Get(context.Background(), id)
	require.Error(t, err)
	require.False(t, errors.Is(err, storage.ErrNotFound))
}
