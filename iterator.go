package causalkv

import (
	"context"
	"errors"
	"fmt"

	"github.com/DobryySoul/causalkv/internal/replog"
)

// ErrIteratorEnded is returned by Next on an iterator that was closed.
var ErrIteratorEnded = replog.ErrIteratorEnded

// IteratorOptions bound an ordered scan. Nil bounds are open. Start and End
// are aliases for the lower and upper bound, swapped when Reverse is set.
// Limit <= 0 means unlimited.
type IteratorOptions[K ~string] struct {
	GT, GTE, LT, LTE *K
	Start, End       *K
	Reverse          bool
	Limit            int
}

// Bound returns a pointer to k for use in IteratorOptions.
func Bound[K ~string](k K) *K {
	return &k
}

// Iterator yields the latest visible value of each key in range, in key
// order. Deleted keys are skipped. Use it from a single goroutine.
type Iterator[K ~string, V any] struct {
	it    *replog.Iterator
	codec Codec[V]
	key   K
	value V
	err   error
}

// Iterator opens a lazy scan. While a cache compaction is running, the
// first Next waits for it to finish.
func (db *DB[K, V]) Iterator(ctx context.Context, opts IteratorOptions[K]) (*Iterator[K, V], error) {
	part, err := db.acquire(ctx, "")
	if err != nil && !errors.Is(err, ErrInvalidKey) {
		return nil, err
	}
	return &Iterator[K, V]{
		it: part.NewIterator(replog.IteratorOptions{
			GT:      toString(opts.GT),
			GTE:     toString(opts.GTE),
			LT:      toString(opts.LT),
			LTE:     toString(opts.LTE),
			Start:   toString(opts.Start),
			End:     toString(opts.End),
			Reverse: opts.Reverse,
			Limit:   opts.Limit,
		}),
		codec: db.codec,
	}, nil
}

// Next advances to the following pair and reports whether there is one.
// On false, Err tells an error apart from the end of the sequence.
func (it *Iterator[K, V]) Next(ctx context.Context) bool {
	var zero V
	it.key, it.value = "", zero
	if it.err != nil {
		return false
	}
	pair, ok, err := it.it.Next(ctx)
	if err != nil {
		if errors.Is(err, replog.ErrIteratorEnded) {
			it.err = ErrIteratorEnded
		} else {
			it.err = mapStoreErr(err)
		}
		return false
	}
	if !ok {
		return false
	}
	value, err := decodeValue(it.codec, pair.Value)
	if err != nil {
		it.err = fmt.Errorf("causalkv: decode value of %q: %w", pair.Key, err)
		return false
	}
	it.key, it.value = K(pair.Key), value
	return true
}

func (it *Iterator[K, V]) Key() K {
	return it.key
}

func (it *Iterator[K, V]) Value() V {
	return it.value
}

func (it *Iterator[K, V]) Err() error {
	return it.err
}

// Close releases the iterator. Closing twice is a no-op.
func (it *Iterator[K, V]) Close() error {
	return it.it.Close()
}

func toString[K ~string](k *K) *string {
	if k == nil {
		return nil
	}
	s := string(*k)
	return &s
}
