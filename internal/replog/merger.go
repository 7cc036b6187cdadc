package replog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DobryySoul/causalkv/internal/cid"
	"github.com/DobryySoul/causalkv/internal/storage"
	"github.com/DobryySoul/causalkv/internal/vclock"
)

// Merger absorbs remote history into the local log. Every remote head is
// processed on its own queue, one at a time; processing a head twice, or
// heads in any order, leaves the same state.
type Merger struct {
	log    *Log
	queue  *workQueue
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[cid.ID]struct{}
}

func NewMerger(log *Log, logger *zap.Logger) *Merger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{
		log:      log,
		queue:    newWorkQueue(),
		logger:   logger,
		inflight: make(map[cid.ID]struct{}),
	}
}

// ProcessRemoteHead makes local state consistent with everything reachable
// from head. It returns immediately when head is already queued or equals
// the local head.
func (m *Merger) ProcessRemoteHead(ctx context.Context, head cid.ID) error {
	if head == "" {
		return nil
	}
	m.mu.Lock()
	if _, ok := m.inflight[head]; ok {
		m.mu.Unlock()
		mergesTotal.WithLabelValues("duplicate").Inc()
		return nil
	}
	m.inflight[head] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inflight, head)
		m.mu.Unlock()
	}()

	start := time.Now()
	err := m.queue.Do(ctx, func(ctx context.Context) error {
		return m.process(ctx, head)
	})
	mergeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		mergesTotal.WithLabelValues("error").Inc()
		return &MergeError{Head: head, Err: err}
	}
	return nil
}

// Close stops the merge queue.
func (m *Merger) Close() {
	m.queue.Close()
}

func (m *Merger) process(ctx context.Context, head cid.ID) error {
	local, err := m.log.LatestHeadCID(ctx)
	if err != nil {
		return err
	}
	if local == head {
		mergesTotal.WithLabelValues("known").Inc()
		return nil
	}

	discovered, err := m.discover(ctx, head)
	if err != nil {
		return err
	}
	if len(discovered) == 0 {
		m.logger.Debug("remote head already known", zap.Stringer("head", head))
		mergesTotal.WithLabelValues("known").Inc()
		return nil
	}
	m.logger.Debug("discovered remote entries",
		zap.Stringer("head", head),
		zap.Int("count", len(discovered)))

	err = m.log.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		if err := m.apply(ctx, tx, discovered); err != nil {
			return err
		}
		return m.reconcileHeads(ctx, tx, head)
	})
	if err != nil {
		return err
	}
	mergesTotal.WithLabelValues("applied").Inc()
	return nil
}

// discover walks parents depth-first from head and returns every entry not
// yet evaluated locally, head first. Discovered entries are cached with the
// IsNew marker, so an interrupted walk resumes without refetching.
func (m *Merger) discover(ctx context.Context, head cid.ID) ([]cid.ID, error) {
	var (
		found   []cid.ID
		visited = make(map[cid.ID]struct{})
		stack   = []cid.ID{head}
	)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}

		entry, ok, err := m.log.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok && !entry.IsNew {
			continue
		}
		if !ok {
			entry, err = m.log.fetch(ctx, id)
			if err != nil {
				if storage.IsNotFound(err) {
					m.logger.Warn("remote entry unavailable", zap.Stringer("cid", id))
				}
				return nil, err
			}
			entry.IsNew = true
			if err := m.log.Set(ctx, id, entry); err != nil {
				return nil, err
			}
		}
		found = append(found, id)
		// push in reverse so the first parent is walked first
		for i := len(entry.Parents) - 1; i >= 0; i-- {
			if _, ok := visited[entry.Parents[i]]; !ok {
				stack = append(stack, entry.Parents[i])
			}
		}
	}
	return found, nil
}

// apply resolves discovered entries oldest first, then clears their markers.
func (m *Merger) apply(ctx context.Context, tx *Tx, discovered []cid.ID) error {
	for i := len(discovered) - 1; i >= 0; i-- {
		id := discovered[i]
		remote, ok, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			if remote, err = tx.Resolve(ctx, id); err != nil {
				return err
			}
		}
		if remote.IsMerge() {
			continue
		}
		if err := m.resolve(ctx, tx, id, remote); err != nil {
			return err
		}
	}
	for i := len(discovered) - 1; i >= 0; i-- {
		id := discovered[i]
		entry, ok, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if !ok || !entry.IsNew {
			continue
		}
		entry.IsNew = false
		if err := tx.Set(ctx, id, entry); err != nil {
			return err
		}
	}
	return nil
}

func (m *Merger) resolve(ctx context.Context, tx *Tx, remoteID cid.ID, remote *Entry) error {
	local, localID, err := tx.Latest(ctx, remote.Key)
	if err != nil {
		return err
	}
	if local == nil {
		conflictsTotal.WithLabelValues("adopted").Inc()
		return tx.Impose(ctx, remote.Key, remoteID)
	}
	if localID == remoteID {
		return nil
	}
	switch vclock.Compare(remote.Clock, local.Clock) {
	case vclock.After:
		conflictsTotal.WithLabelValues("adopted").Inc()
		return tx.Impose(ctx, remote.Key, remoteID)
	case vclock.Before:
		conflictsTotal.WithLabelValues("stale").Inc()
		return nil
	}
	m.logger.Debug("concurrent writes",
		zap.String("key", remote.Key),
		zap.Stringer("local", localID),
		zap.Stringer("remote", remoteID))
	if outranks(remoteID, remote.Clock, localID, local.Clock) {
		conflictsTotal.WithLabelValues("remote_won").Inc()
		return tx.Impose(ctx, remote.Key, remoteID)
	}
	conflictsTotal.WithLabelValues("local_won").Inc()
	return nil
}

// outranks orders concurrent versions by clock sum, then by id. The order
// extends causal order, so the winner does not depend on the order in
// which replicas apply entries.
func outranks(aID cid.ID, a vclock.Clock, bID cid.ID, b vclock.Clock) bool {
	if sa, sb := a.Sum(), b.Sum(); sa != sb {
		return sa > sb
	}
	return aID > bID
}

func (m *Merger) reconcileHeads(ctx context.Context, tx *Tx, remoteID cid.ID) error {
	local, localID, err := tx.LatestHead(ctx)
	if err != nil {
		return err
	}
	if local == nil {
		return tx.SetHeadCID(ctx, remoteID)
	}
	if localID == remoteID {
		return nil
	}
	remote, err := tx.Resolve(ctx, remoteID)
	if err != nil {
		return err
	}
	switch vclock.Compare(remote.Clock, local.Clock) {
	case vclock.After:
		return tx.SetHeadCID(ctx, remoteID)
	case vclock.Before:
		return nil
	}
	if vclock.Identical(remote.Clock, local.Clock) {
		if remoteID > localID {
			return tx.SetHeadCID(ctx, remoteID)
		}
		return nil
	}
	merge := &Entry{
		Parents: sortedParents(localID, remoteID),
		Clock:   vclock.Merge(local.Clock, remote.Clock),
	}
	_, err = tx.SetHead(ctx, merge)
	return err
}
