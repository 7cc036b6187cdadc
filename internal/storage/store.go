package storage

import (
	"bytes"
	"context"
	"errors"
)

// ErrNotFound signals a missing key. Its message is part of the
// compatibility surface: every layer recognises absence by it.
var ErrNotFound = errors.New("NotFound")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage: store is closed")

// IsNotFound reports whether err signals absence. Errors are matched by
// message as well, so wrapped errors from foreign stores are recognised too.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if e.Error() == ErrNotFound.Error() {
			return true
		}
	}
	return false
}

// Range is a half-open key interval [Start, Limit). A nil bound is open.
type Range struct {
	Start []byte
	Limit []byte
}

// Contains reports whether key falls inside r.
func (r Range) Contains(key []byte) bool {
	if r.Start != nil && bytes.Compare(key, r.Start) < 0 {
		return false
	}
	if r.Limit != nil && bytes.Compare(key, r.Limit) >= 0 {
		return false
	}
	return true
}

// PrefixRange returns the range covering every key starting with prefix.
func PrefixRange(prefix []byte) Range {
	return Range{Start: prefix, Limit: PrefixEnd(prefix)}
}

// PrefixEnd returns the smallest key greater than every key with the given prefix,
// or nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// OpKind is the type of a batch operation.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is a single batch operation.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

// Batch groups writes that a Store applies atomically.
type Batch struct {
	ops []Op
}

func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, Op{Kind: OpPut, Key: key, Value: value})
}

func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, Op{Kind: OpDelete, Key: key})
}

func (b *Batch) Len() int {
	return len(b.ops)
}

// Ops returns the queued operations in insertion order.
func (b *Batch) Ops() []Op {
	return b.ops
}

// Iterator walks a key range. It must be released after use.
type Iterator interface {
	// Next advances to the following pair and reports whether one exists.
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Release()
}

// Store is an ordered key-value store backing a partition's indices.
type Store interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	// Write applies every operation of batch or none of them.
	Write(ctx context.Context, batch *Batch) error
	// NewIterator returns an iterator over a point-in-time view of r.
	// With reverse set, keys are visited in descending order.
	NewIterator(r Range, reverse bool) Iterator
	Close() error
}

func checkContext(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
