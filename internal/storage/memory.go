package storage

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"
)

const btreeDegree = 32

type item struct {
	key   []byte
	value []byte
}

func (i *item) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(*item).key) < 0
}

type memoryStore struct {
	mu     sync.RWMutex
	tree   *btree.BTree
	closed bool
}

// NewMemoryStore returns an ordered in-memory store. Iterators work on
// copy-on-write snapshots, so writes never block on open iterators.
func NewMemoryStore() Store {
	return &memoryStore{tree: btree.New(btreeDegree)}
}

func (s *memoryStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	found := s.tree.Get(&item{key: key})
	if found == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), found.(*item).value...), nil
}

func (s *memoryStore) Put(ctx context.Context, key, value []byte) error {
	var batch Batch
	batch.Put(key, value)
	return s.Write(ctx, &batch)
}

func (s *memoryStore) Delete(ctx context.Context, key []byte) error {
	var batch Batch
	batch.Delete(key)
	return s.Write(ctx, &batch)
}

func (s *memoryStore) Write(ctx context.Context, batch *Batch) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, op := range batch.Ops() {
		key := append([]byte(nil), op.Key...)
		switch op.Kind {
		case OpPut:
			s.tree.ReplaceOrInsert(&item{key: key, value: append([]byte(nil), op.Value...)})
		case OpDelete:
			s.tree.Delete(&item{key: key})
		}
	}
	return nil
}

// NewIterator snapshots the tree; Clone is lazy so the cost is paid by
// later writers, not by the iterator.
func (s *memoryStore) NewIterator(r Range, reverse bool) Iterator {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &memoryIterator{err: ErrClosed, done: true}
	}
	return &memoryIterator{
		tree:    s.tree.Clone(),
		rng:     r,
		reverse: reverse,
	}
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.tree.Clear(false)
	s.mu.Unlock()
	return nil
}

type memoryIterator struct {
	tree    *btree.BTree
	rng     Range
	reverse bool
	current *item
	started bool
	done    bool
	err     error
}

func (it *memoryIterator) Next() bool {
	if it.done {
		return false
	}
	var next *item
	visit := func(i btree.Item) bool {
		candidate := i.(*item)
		if it.started && bytes.Equal(candidate.key, it.current.key) {
			return true
		}
		if !it.rng.Contains(candidate.key) {
			// keys move away from the range in either direction once outside it
			return false
		}
		next = candidate
		return false
	}
	switch {
	case !it.reverse && it.started:
		it.tree.AscendGreaterOrEqual(it.current, visit)
	case !it.reverse && it.rng.Start != nil:
		it.tree.AscendGreaterOrEqual(&item{key: it.rng.Start}, visit)
	case !it.reverse:
		it.tree.Ascend(visit)
	case it.started:
		it.tree.DescendLessOrEqual(it.current, visit)
	case it.rng.Limit != nil:
		it.tree.DescendLessOrEqual(&item{key: it.rng.Limit}, func(i btree.Item) bool {
			if bytes.Equal(i.(*item).key, it.rng.Limit) {
				return true
			}
			return visit(i)
		})
	default:
		it.tree.Descend(visit)
	}
	if next == nil {
		it.done = true
		it.current = nil
		return false
	}
	it.current = next
	it.started = true
	return true
}

func (it *memoryIterator) Key() []byte {
	if it.current == nil {
		return nil
	}
	return it.current.key
}

func (it *memoryIterator) Value() []byte {
	if it.current == nil {
		return nil
	}
	return it.current.value
}

func (it *memoryIterator) Error() error {
	return it.err
}

func (it *memoryIterator) Release() {
	it.done = true
	it.current = nil
	it.tree = nil
}
