package blob

import (
	"context"

	"github.com/pkg/errors"

	"github.com/DobryySoul/causalkv/internal/cid"
	"github.com/DobryySoul/causalkv/internal/storage"
)

// Fetcher retrieves a blob from somewhere other than the local store,
// typically from peers.
type Fetcher interface {
	Fetch(ctx context.Context, id cid.ID) ([]byte, error)
}

// Fetching serves blobs from a local store and falls back to a Fetcher on
// a miss. Fetched blobs are verified against their id and kept locally.
type Fetching struct {
	local   Store
	fetcher Fetcher
}

func NewFetching(local Store, fetcher Fetcher) *Fetching {
	return &Fetching{local: local, fetcher: fetcher}
}

func (f *Fetching) Put(ctx context.Context, data []byte) (cid.ID, error) {
	return f.local.Put(ctx, data)
}

func (f *Fetching) Get(ctx context.Context, id cid.ID) ([]byte, error) {
	data, err := f.local.Get(ctx, id)
	if err == nil || !storage.IsNotFound(err) {
		return data, err
	}
	data, err = f.fetcher.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := cid.Verify(id, data); err != nil {
		return nil, err
	}
	if _, err := f.local.Put(ctx, data); err != nil {
		return nil, errors.Wrapf(err, "blob: cache fetched %s", id)
	}
	return data, nil
}

// Local exposes the underlying store, used to answer peers' requests.
func (f *Fetching) Local() Store {
	return f.local
}
