package replog

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/DobryySoul/causalkv/internal/cid"
)

// collector drops cached entries superseded by newer versions of their key.
// Sweeps only run while no iterator is open; iterators created during a
// sweep stay paused until it completes.
type collector struct {
	log     *Log
	logger  *zap.Logger
	onError func(error)

	mu        sync.Mutex
	pending   map[cid.ID]struct{}
	iterators int
	sweeping  bool
	waiting   []*Iterator
	closed    bool
	wg        sync.WaitGroup
}

func newCollector(log *Log, logger *zap.Logger, onError func(error)) *collector {
	return &collector{
		log:     log,
		logger:  logger,
		onError: onError,
		pending: make(map[cid.ID]struct{}),
	}
}

// track runs on the log worker for every moved key pointer.
func (c *collector) track(change Change) {
	if change.Previous == "" || change.Previous == change.LogCID {
		return
	}
	c.mu.Lock()
	c.pending[change.Previous] = struct{}{}
	c.mu.Unlock()
}

func (c *collector) mutationDone() {
	c.mu.Lock()
	if c.iterators == 0 {
		c.startLocked()
	}
	c.mu.Unlock()
}

func (c *collector) iteratorOpened(it *Iterator) {
	c.mu.Lock()
	c.iterators++
	if c.sweeping {
		c.waiting = append(c.waiting, it)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	it.Resume()
}

func (c *collector) iteratorEnded() {
	c.mu.Lock()
	c.iterators--
	if c.iterators == 0 {
		c.startLocked()
	}
	c.mu.Unlock()
}

func (c *collector) startLocked() {
	if c.sweeping || c.closed || len(c.pending) == 0 {
		return
	}
	candidates := make([]cid.ID, 0, len(c.pending))
	for id := range c.pending {
		candidates = append(candidates, id)
	}
	c.pending = make(map[cid.ID]struct{})
	c.sweeping = true
	c.wg.Add(1)
	go c.sweep(candidates)
}

func (c *collector) sweep(candidates []cid.ID) {
	defer c.wg.Done()
	var dropped []cid.ID
	err := c.log.Transaction(context.Background(), func(ctx context.Context, tx *Tx) error {
		head, err := tx.LatestHeadCID(ctx)
		if err != nil {
			return err
		}
		dropped = dropped[:0]
		for _, id := range candidates {
			if id == head {
				continue
			}
			entry, ok, err := tx.Get(ctx, id)
			if err != nil {
				return err
			}
			if !ok || entry.IsNew {
				continue
			}
			if !entry.IsMerge() {
				current, err := tx.log.latestCID(ctx, entry.Key)
				if err != nil {
					return err
				}
				if current == id {
					continue
				}
			}
			dropped = append(dropped, id)
		}
		return tx.forget(ctx, dropped)
	})

	c.mu.Lock()
	if err != nil {
		for _, id := range candidates {
			c.pending[id] = struct{}{}
		}
	}
	c.sweeping = false
	waiting := c.waiting
	c.waiting = nil
	if err == nil && c.iterators == 0 {
		c.startLocked()
	}
	c.mu.Unlock()

	if err != nil {
		sweepFailuresTotal.Inc()
		sweepErr := &SweepError{Pending: len(candidates), Err: err}
		c.logger.Warn("gc sweep failed", zap.Error(sweepErr))
		if c.onError != nil {
			c.onError(sweepErr)
		}
	} else {
		gcSweptTotal.Add(float64(len(dropped)))
		c.logger.Debug("gc sweep done",
			zap.Int("candidates", len(candidates)),
			zap.Int("dropped", len(dropped)))
	}
	for _, it := range waiting {
		it.Resume()
	}
}

// wait blocks until any running sweep completes.
func (c *collector) wait() {
	c.wg.Wait()
}

func (c *collector) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
}
