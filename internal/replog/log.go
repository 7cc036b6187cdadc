package replog

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/DobryySoul/causalkv/internal/blob"
	"github.com/DobryySoul/causalkv/internal/cid"
	"github.com/DobryySoul/causalkv/internal/storage"
	"github.com/DobryySoul/causalkv/internal/vclock"
)

// Change describes a moved key pointer. Previous is empty when the key
// had no pointer before.
type Change struct {
	Key      string
	LogCID   cid.ID
	Previous cid.ID
}

// Log serializes mutations of one partition into a causal chain of
// entries and maintains the key index, the entry cache and the head.
//
// Hooks registered with OnChange and OnNewHead run on the log's worker
// and must not block or call back into queued Log methods.
type Log struct {
	replica string
	store   storage.Store
	blobs   blob.Store
	queue   *workQueue
	logger  *zap.Logger

	hooksMu   sync.RWMutex
	onChange  []func(Change)
	onNewHead []func(cid.ID)
}

// NewLog returns a log writing entries for replica into store and blobs.
func NewLog(replica string, store storage.Store, blobs blob.Store, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		replica: replica,
		store:   store,
		blobs:   blobs,
		queue:   newWorkQueue(),
		logger:  logger,
	}
}

// Replica returns the id stamped into the clocks of local entries.
func (l *Log) Replica() string {
	return l.replica
}

// OnChange registers fn to run after every key pointer change.
func (l *Log) OnChange(fn func(Change)) {
	l.hooksMu.Lock()
	l.onChange = append(l.onChange, fn)
	l.hooksMu.Unlock()
}

// OnNewHead registers fn to run whenever the head moves.
func (l *Log) OnNewHead(fn func(cid.ID)) {
	l.hooksMu.Lock()
	l.onNewHead = append(l.onNewHead, fn)
	l.hooksMu.Unlock()
}

// Push records that key now holds the value stored as blobRef.
func (l *Log) Push(ctx context.Context, key string, blobRef cid.ID) (cid.ID, error) {
	if blobRef == "" {
		return "", errors.Errorf("replog: push %q without a blob reference", key)
	}
	return l.enqueueSave(ctx, key, blobRef)
}

// Del records a tombstone for key.
func (l *Log) Del(ctx context.Context, key string) (cid.ID, error) {
	return l.enqueueSave(ctx, key, "")
}

func (l *Log) enqueueSave(ctx context.Context, key string, blobRef cid.ID) (cid.ID, error) {
	if key == "" {
		return "", errors.New("replog: empty key")
	}
	var id cid.ID
	err := l.queue.Do(ctx, func(ctx context.Context) error {
		var err error
		id, err = l.save(ctx, key, blobRef)
		return err
	})
	return id, err
}

func (l *Log) save(ctx context.Context, key string, blobRef cid.ID) (cid.ID, error) {
	head, headID, err := l.LatestHead(ctx)
	if err != nil {
		return "", err
	}
	entry := &Entry{
		Key:     key,
		Blob:    blobRef,
		Deleted: blobRef == "",
		Parents: []cid.ID{},
	}
	var clock vclock.Clock
	if head != nil {
		entry.Parents = []cid.ID{headID}
		clock = head.Clock
	}
	entry.Clock = vclock.Increment(clock, l.replica)

	data, err := entry.Marshal()
	if err != nil {
		return "", err
	}
	id, err := l.blobs.Put(ctx, data)
	if err != nil {
		return "", errors.Wrapf(err, "replog: store entry for %q", key)
	}
	previous, err := l.latestCID(ctx, key)
	if err != nil {
		return "", err
	}
	cached, err := entry.marshalCache()
	if err != nil {
		return "", err
	}

	var batch storage.Batch
	batch.Put(cacheKey(id), cached)
	batch.Put(indexKey(key), []byte(id))
	batch.Put([]byte(headKey), []byte(id))
	if err := l.store.Write(ctx, &batch); err != nil {
		return "", errors.Wrapf(err, "replog: index entry %s", id)
	}

	if entry.Deleted {
		deletesTotal.Inc()
	} else {
		pushesTotal.Inc()
	}
	l.logger.Debug("saved entry",
		zap.String("key", key),
		zap.Stringer("cid", id),
		zap.Bool("deleted", entry.Deleted))
	l.emitChange(Change{Key: key, LogCID: id, Previous: previous})
	l.emitNewHead(id)
	return id, nil
}

// LatestHeadCID returns the partition head, or "" when the log is empty.
func (l *Log) LatestHeadCID(ctx context.Context) (cid.ID, error) {
	return l.readPointer(ctx, []byte(headKey))
}

// LatestHead returns the head entry and its id, or nil when the log is empty.
func (l *Log) LatestHead(ctx context.Context) (*Entry, cid.ID, error) {
	id, err := l.LatestHeadCID(ctx)
	if err != nil || id == "" {
		return nil, "", err
	}
	entry, err := l.Resolve(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return entry, id, nil
}

// Latest returns the newest entry touching key, or nil when there is none.
func (l *Log) Latest(ctx context.Context, key string) (*Entry, cid.ID, error) {
	id, err := l.latestCID(ctx, key)
	if err != nil || id == "" {
		return nil, "", err
	}
	entry, err := l.Resolve(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return entry, id, nil
}

func (l *Log) latestCID(ctx context.Context, key string) (cid.ID, error) {
	return l.readPointer(ctx, indexKey(key))
}

func (l *Log) readPointer(ctx context.Context, key []byte) (cid.ID, error) {
	value, err := l.store.Get(ctx, key)
	if storage.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "replog: read %s", key)
	}
	return cid.ID(value), nil
}

// Get reads an entry from the local cache only.
func (l *Log) Get(ctx context.Context, id cid.ID) (*Entry, bool, error) {
	data, err := l.store.Get(ctx, cacheKey(id))
	if storage.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "replog: read cached entry %s", id)
	}
	entry, err := UnmarshalEntry(data)
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

// Set writes an entry into the local cache.
func (l *Log) Set(ctx context.Context, id cid.ID, entry *Entry) error {
	data, err := entry.marshalCache()
	if err != nil {
		return err
	}
	return errors.Wrapf(l.store.Put(ctx, cacheKey(id), data), "replog: cache entry %s", id)
}

// Resolve reads an entry from the cache, falling back to the blob store.
func (l *Log) Resolve(ctx context.Context, id cid.ID) (*Entry, error) {
	entry, ok, err := l.Get(ctx, id)
	if err != nil || ok {
		return entry, err
	}
	return l.fetch(ctx, id)
}

func (l *Log) fetch(ctx context.Context, id cid.ID) (*Entry, error) {
	data, err := l.blobs.Get(ctx, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, err
		}
		return nil, errors.Wrapf(err, "replog: fetch entry %s", id)
	}
	return UnmarshalEntry(data)
}

// Blob reads a value referenced by an entry.
func (l *Log) Blob(ctx context.Context, id cid.ID) ([]byte, error) {
	return l.blobs.Get(ctx, id)
}

// Impose points key at id without creating a new entry.
func (l *Log) Impose(ctx context.Context, key string, id cid.ID) error {
	return l.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		return tx.Impose(ctx, key, id)
	})
}

// SetHead stores entry and makes it the partition head.
func (l *Log) SetHead(ctx context.Context, entry *Entry) (cid.ID, error) {
	var id cid.ID
	err := l.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		id, err = tx.SetHead(ctx, entry)
		return err
	})
	return id, err
}

// SetHeadCID makes an already stored entry the partition head.
func (l *Log) SetHeadCID(ctx context.Context, id cid.ID) error {
	return l.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		return tx.SetHeadCID(ctx, id)
	})
}

// Transaction runs fn on the mutation queue, so no push, delete or other
// transaction interleaves with it.
func (l *Log) Transaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	return l.queue.Do(ctx, func(ctx context.Context) error {
		return fn(ctx, &Tx{log: l})
	})
}

// Close stops the mutation queue. Queued operations fail with ErrClosed.
func (l *Log) Close() {
	l.queue.Close()
}

func (l *Log) emitChange(change Change) {
	l.hooksMu.RLock()
	hooks := l.onChange
	l.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(change)
	}
}

func (l *Log) emitNewHead(id cid.ID) {
	l.hooksMu.RLock()
	hooks := l.onNewHead
	l.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}
}

// Tx exposes log primitives to code already running on the mutation queue.
// It must not be used after the transaction function returns.
type Tx struct {
	log *Log
}

// Get reads a cached entry.
func (tx *Tx) Get(ctx context.Context, id cid.ID) (*Entry, bool, error) {
	return tx.log.Get(ctx, id)
}

// Set writes a cached entry.
func (tx *Tx) Set(ctx context.Context, id cid.ID, entry *Entry) error {
	return tx.log.Set(ctx, id, entry)
}

// Resolve reads an entry from the cache or the blob store.
func (tx *Tx) Resolve(ctx context.Context, id cid.ID) (*Entry, error) {
	return tx.log.Resolve(ctx, id)
}

// Latest returns the entry key points at.
func (tx *Tx) Latest(ctx context.Context, key string) (*Entry, cid.ID, error) {
	return tx.log.Latest(ctx, key)
}

// LatestHead returns the head entry.
func (tx *Tx) LatestHead(ctx context.Context) (*Entry, cid.ID, error) {
	return tx.log.LatestHead(ctx)
}

// LatestHeadCID returns the head id.
func (tx *Tx) LatestHeadCID(ctx context.Context) (cid.ID, error) {
	return tx.log.LatestHeadCID(ctx)
}

// Impose points key at id and reports the change.
func (tx *Tx) Impose(ctx context.Context, key string, id cid.ID) error {
	l := tx.log
	previous, err := l.latestCID(ctx, key)
	if err != nil {
		return err
	}
	if previous == id {
		return nil
	}
	if err := l.store.Put(ctx, indexKey(key), []byte(id)); err != nil {
		return errors.Wrapf(err, "replog: impose %q", key)
	}
	l.logger.Debug("imposed entry", zap.String("key", key), zap.Stringer("cid", id))
	l.emitChange(Change{Key: key, LogCID: id, Previous: previous})
	return nil
}

// SetHead caches entry and makes it the head.
func (tx *Tx) SetHead(ctx context.Context, entry *Entry) (cid.ID, error) {
	l := tx.log
	data, err := entry.Marshal()
	if err != nil {
		return "", err
	}
	id, err := l.blobs.Put(ctx, data)
	if err != nil {
		return "", errors.Wrap(err, "replog: store head entry")
	}
	cached, err := entry.marshalCache()
	if err != nil {
		return "", err
	}
	var batch storage.Batch
	batch.Put(cacheKey(id), cached)
	batch.Put([]byte(headKey), []byte(id))
	if err := l.store.Write(ctx, &batch); err != nil {
		return "", errors.Wrapf(err, "replog: set head %s", id)
	}
	l.logger.Debug("set head", zap.Stringer("cid", id), zap.Int("parents", len(entry.Parents)))
	l.emitNewHead(id)
	return id, nil
}

// SetHeadCID moves the head to an already known entry.
func (tx *Tx) SetHeadCID(ctx context.Context, id cid.ID) error {
	l := tx.log
	if err := l.store.Put(ctx, []byte(headKey), []byte(id)); err != nil {
		return errors.Wrapf(err, "replog: set head %s", id)
	}
	l.logger.Debug("set head cid", zap.Stringer("cid", id))
	l.emitNewHead(id)
	return nil
}

// forget drops entries from the cache in one batch.
func (tx *Tx) forget(ctx context.Context, ids []cid.ID) error {
	if len(ids) == 0 {
		return nil
	}
	var batch storage.Batch
	for _, id := range ids {
		batch.Delete(cacheKey(id))
	}
	return errors.Wrap(tx.log.store.Write(ctx, &batch), "replog: drop cached entries")
}
