// Package blob provides content-addressed stores for log entries and values.
package blob

import (
	"context"

	"github.com/pkg/errors"
	"github.com/zhangyunhao116/skipmap"

	"github.com/DobryySoul/causalkv/internal/cid"
	"github.com/DobryySoul/causalkv/internal/storage"
)

// Store keeps immutable blobs addressed by the hash of their content.
// Get returns an error satisfying storage.IsNotFound for unknown ids.
type Store interface {
	Put(ctx context.Context, data []byte) (cid.ID, error)
	Get(ctx context.Context, id cid.ID) ([]byte, error)
}

// Memory is a concurrent in-memory Store.
type Memory struct {
	blobs *skipmap.OrderedMap[string, []byte]
}

func NewMemory() *Memory {
	return &Memory{blobs: skipmap.New[string, []byte]()}
}

func (m *Memory) Put(ctx context.Context, data []byte) (cid.ID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := cid.Sum(data)
	m.blobs.LoadOrStore(string(id), append([]byte(nil), data...))
	return id, nil
}

func (m *Memory) Get(ctx context.Context, id cid.ID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := m.blobs.Load(string(id))
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Has reports whether id is stored.
func (m *Memory) Has(id cid.ID) bool {
	_, ok := m.blobs.Load(string(id))
	return ok
}

func (m *Memory) Len() int {
	return m.blobs.Len()
}

const kvPrefix = "blob:"

// KV stores blobs in an ordered key-value store under the "blob:" prefix.
type KV struct {
	kv storage.Store
}

func NewKV(kv storage.Store) *KV {
	return &KV{kv: kv}
}

func (s *KV) Put(ctx context.Context, data []byte) (cid.ID, error) {
	id := cid.Sum(data)
	if err := s.kv.Put(ctx, []byte(kvPrefix+id), data); err != nil {
		return "", errors.Wrapf(err, "blob: put %s", id)
	}
	return id, nil
}

func (s *KV) Get(ctx context.Context, id cid.ID) ([]byte, error) {
	data, err := s.kv.Get(ctx, []byte(kvPrefix+id))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, err
		}
		return nil, errors.Wrapf(err, "blob: get %s", id)
	}
	return data, nil
}

func (s *KV) Close() error {
	return s.kv.Close()
}
