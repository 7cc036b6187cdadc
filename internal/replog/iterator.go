package replog

import (
	"bytes"
	"context"
	"strings"
	"sync"

	"github.com/DobryySoul/causalkv/internal/cid"
	"github.com/DobryySoul/causalkv/internal/storage"
)

// IteratorOptions bound a scan over the latest value of each key.
// Start and End are legacy aliases: Start is the lower bound and End the
// upper one, swapped when Reverse is set. Limit <= 0 means unlimited.
type IteratorOptions struct {
	GT, GTE, LT, LTE *string
	Start, End       *string
	Reverse          bool
	Limit            int
}

// Pair is one key with its latest value.
type Pair struct {
	Key   string
	Value []byte
}

type iteratorState int

const (
	iteratorPaused iteratorState = iota
	iteratorActive
	iteratorEnded
)

type advanceResult struct {
	pair Pair
	ok   bool
	err  error
}

type advanceRequest struct {
	ctx  context.Context
	done chan advanceResult
}

// Iterator lazily yields the latest non-deleted value of each key in range.
// It starts paused; Next calls made while paused are replayed in order once
// Resume is called.
type Iterator struct {
	log   *Log
	onEnd func()

	mu        sync.Mutex
	state     iteratorState
	scan      storage.Iterator
	remaining int
	closed    bool
	deferred  []*advanceRequest
}

func newIterator(log *Log, store storage.Store, opts IteratorOptions, onEnd func()) *Iterator {
	remaining := -1
	if opts.Limit > 0 {
		remaining = opts.Limit
	}
	return &Iterator{
		log:       log,
		onEnd:     onEnd,
		state:     iteratorPaused,
		scan:      store.NewIterator(opts.scanRange(), opts.Reverse),
		remaining: remaining,
	}
}

// Next returns the following pair. ok is false once the sequence is over.
// A Next issued while the iterator is paused and then abandoned through ctx
// may still consume a pair when replayed.
func (it *Iterator) Next(ctx context.Context) (pair Pair, ok bool, err error) {
	it.mu.Lock()
	switch it.state {
	case iteratorEnded:
		closed := it.closed
		it.mu.Unlock()
		if closed {
			return Pair{}, false, ErrIteratorEnded
		}
		return Pair{}, false, nil
	case iteratorPaused:
		req := &advanceRequest{ctx: ctx, done: make(chan advanceResult, 1)}
		it.deferred = append(it.deferred, req)
		it.mu.Unlock()
		select {
		case res := <-req.done:
			return res.pair, res.ok, res.err
		case <-ctx.Done():
			return Pair{}, false, ctx.Err()
		}
	}
	res, ended := it.advance(ctx)
	it.mu.Unlock()
	if ended {
		it.notifyEnd()
	}
	return res.pair, res.ok, res.err
}

// Resume activates a paused iterator and replays deferred Next calls in
// the order they were made.
func (it *Iterator) Resume() {
	it.mu.Lock()
	if it.state != iteratorPaused {
		it.mu.Unlock()
		return
	}
	it.state = iteratorActive
	var ended bool
	for len(it.deferred) > 0 {
		req := it.deferred[0]
		it.deferred = it.deferred[1:]
		if err := req.ctx.Err(); err != nil {
			req.done <- advanceResult{err: err}
			continue
		}
		if it.state == iteratorEnded {
			req.done <- advanceResult{}
			continue
		}
		res, justEnded := it.advance(req.ctx)
		ended = ended || justEnded
		req.done <- res
	}
	it.mu.Unlock()
	if ended {
		it.notifyEnd()
	}
}

// Close ends the iterator and releases the scan. Closing twice is a no-op.
func (it *Iterator) Close() error {
	it.mu.Lock()
	if it.state == iteratorEnded {
		it.closed = true
		it.mu.Unlock()
		return nil
	}
	it.closed = true
	it.end()
	for _, req := range it.deferred {
		req.done <- advanceResult{err: ErrIteratorEnded}
	}
	it.deferred = nil
	it.mu.Unlock()
	it.notifyEnd()
	return nil
}

// advance must hold it.mu. It reports whether this call ended the iterator.
func (it *Iterator) advance(ctx context.Context) (advanceResult, bool) {
	for it.scan.Next() {
		key := strings.TrimPrefix(string(it.scan.Key()), keyPrefix)
		id := cid.ID(it.scan.Value())
		entry, err := it.log.Resolve(ctx, id)
		if err != nil {
			return advanceResult{err: err}, false
		}
		if entry.Deleted {
			continue
		}
		value, err := it.log.Blob(ctx, entry.Blob)
		if err != nil {
			return advanceResult{err: err}, false
		}
		res := advanceResult{pair: Pair{Key: key, Value: value}, ok: true}
		if it.remaining > 0 {
			it.remaining--
			if it.remaining == 0 {
				it.end()
				return res, true
			}
		}
		return res, false
	}
	if err := it.scan.Error(); err != nil {
		return advanceResult{err: err}, false
	}
	it.end()
	return advanceResult{}, true
}

func (it *Iterator) end() {
	it.state = iteratorEnded
	it.scan.Release()
}

func (it *Iterator) notifyEnd() {
	if it.onEnd != nil {
		it.onEnd()
	}
}

func (o IteratorOptions) scanRange() storage.Range {
	gt, gte, lt, lte := o.GT, o.GTE, o.LT, o.LTE
	lower, upper := o.Start, o.End
	if o.Reverse {
		lower, upper = o.End, o.Start
	}
	if gt == nil && gte == nil {
		gte = lower
	}
	if lt == nil && lte == nil {
		lte = upper
	}

	prefix := []byte(keyPrefix)
	start := prefix
	if gte != nil {
		start = maxKey(start, []byte(keyPrefix+*gte))
	}
	if gt != nil {
		start = maxKey(start, append([]byte(keyPrefix+*gt), 0))
	}
	limit := storage.PrefixEnd(prefix)
	if lt != nil {
		limit = minKey(limit, []byte(keyPrefix+*lt))
	}
	if lte != nil {
		limit = minKey(limit, append([]byte(keyPrefix+*lte), 0))
	}
	return storage.Range{Start: start, Limit: limit}
}

func maxKey(a, b []byte) []byte {
	if bytes.Compare(a, b) >= 0 {
		return a
	}
	return b
}

func minKey(a, b []byte) []byte {
	if bytes.Compare(a, b) <= 0 {
		return a
	}
	return b
}
