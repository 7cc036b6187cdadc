package causalkv

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/DobryySoul/causalkv/internal/blob"
	"github.com/DobryySoul/causalkv/internal/cid"
	"github.com/DobryySoul/causalkv/internal/discovery"
	"github.com/DobryySoul/causalkv/internal/gossip"
	"github.com/DobryySoul/causalkv/internal/replog"
	"github.com/DobryySoul/causalkv/internal/storage"
)

type dbState int

const (
	stateNew dbState = iota
	stateOpen
	stateClosed
)

// DB is one replica of a partition.
// It is safe for concurrent use by multiple goroutines.
// K must be a string or a type with underlying string.
type DB[K ~string, V any] struct {
	cfg       Config
	partition string
	codec     Codec[V]
	logger    *zap.Logger
	observers observers[K, V]

	mu        sync.RWMutex
	state     dbState
	part      *replog.Partition
	live      atomic.Pointer[replog.Partition]
	node      *gossip.Node
	discovery *discovery.MDNS
	events    *dispatcher
	closers   []func() error
}

// New creates a replica of the named partition. It must be opened before use.
// K must be provided explicitly because it cannot be inferred from arguments.
func New[K ~string, V any](partition string, opts ...Option) (*DB[K, V], error) {
	if partition == "" {
		return nil, fmt.Errorf("causalkv: partition name cannot be empty")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	codec := Codec[V](GobCodec[V]{})
	if cfg.codec != nil {
		typed, ok := cfg.codec.(Codec[V])
		if !ok {
			return nil, fmt.Errorf("causalkv: codec type mismatch")
		}
		codec = typed
	}
	db := &DB[K, V]{
		cfg:       cfg,
		partition: partition,
		codec:     codec,
		logger:    cfg.logger.With(zap.String("partition", partition)),
	}
	if cfg.errorHandler != nil {
		db.OnError(cfg.errorHandler)
	}
	return db, nil
}

// Open creates and opens a replica in one step.
func Open[K ~string, V any](ctx context.Context, partition string, opts ...Option) (*DB[K, V], error) {
	db, err := New[K, V](partition, opts...)
	if err != nil {
		return nil, err
	}
	if err := db.Open(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// Open wires the stores, the log engine and, when sync is enabled, the
// gossip transport.
func (db *DB[K, V]) Open(ctx context.Context) (err error) {
	if err := mapContextErr(ctx); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	switch db.state {
	case stateOpen:
		return fmt.Errorf("causalkv: db is already open")
	case stateClosed:
		return ErrClosed
	}

	var closers []func() error
	defer func() {
		if err != nil {
			runClosers(closers)
		}
	}()

	store, err := db.openStore()
	if err != nil {
		return err
	}
	if store != db.cfg.store {
		closers = append(closers, store.Close)
	}

	local := db.cfg.blobs
	if local == nil {
		if db.cfg.DataDir != "" {
			local = blob.NewKV(store)
		} else {
			local = blob.NewMemory()
		}
	}

	events := newDispatcher()
	closers = append(closers, func() error { events.close(); return nil })
	db.events = events

	var (
		pubsub replog.PubSub
		node   *gossip.Node
		mdns   *discovery.MDNS
		blobs  = local
	)
	if db.cfg.Sync {
		if db.cfg.pubsub != nil {
			pubsub = db.cfg.pubsub
		} else {
			node = gossip.NewNode(gossip.Config{
				ID:            db.cfg.ReplicaID,
				BindAddr:      db.cfg.BindAddr,
				Peers:         db.cfg.Seeds,
				HelloInterval: db.cfg.GossipInterval,
				Blobs:         local,
				OnError:       db.reportErr,
				Logger:        db.cfg.logger.Named("gossip"),
			})
			if err := node.Start(); err != nil {
				return err
			}
			closers = append(closers, node.Stop)
			pubsub = node
			if db.cfg.Discovery {
				mdns, err = discovery.NewMDNS(discovery.Config{
					NodeID:    db.cfg.ReplicaID,
					BindAddr:  node.Addr(),
					Namespace: db.cfg.Namespace,
					Logger:    db.cfg.logger.Named("discovery"),
				}, node.AddPeers)
				if err != nil {
					return err
				}
				closers = append(closers, func() error { mdns.Stop(); return nil })
			}
		}
		if fetcher, ok := pubsub.(blob.Fetcher); ok {
			blobs = blob.NewFetching(local, fetcher)
		}
	}

	part, err := replog.Open(ctx, replog.Config{
		Name:         db.partition,
		Namespace:    db.cfg.Namespace,
		Replica:      db.cfg.ReplicaID,
		Store:        store,
		Blobs:        blobs,
		PubSub:       pubsub,
		InitialDelay: db.cfg.InitialDelay,
		MaxDelay:     db.cfg.MaxDelay,
		Logger:       db.cfg.logger,
		OnError:      db.reportErr,
		OnChange:     db.onLogChange,
		OnNewHead:    db.onLogNewHead,
	})
	if err != nil {
		return mapStoreErr(err)
	}

	db.part = part
	db.live.Store(part)
	events.start()
	db.node = node
	db.discovery = mdns
	db.closers = closers
	db.state = stateOpen
	db.logger.Info("replica opened",
		zap.String("replica", db.cfg.ReplicaID),
		zap.Bool("sync", pubsub != nil))
	return nil
}

func (db *DB[K, V]) openStore() (storage.Store, error) {
	if db.cfg.store != nil {
		return db.cfg.store, nil
	}
	if db.cfg.DataDir != "" {
		return storage.OpenLevelDB(filepath.Join(db.cfg.DataDir, db.partition), false)
	}
	return storage.NewMemoryStore(), nil
}

// Put stores value under key.
// The call is context-aware and returns ErrCanceled/ErrTimeout accordingly.
func (db *DB[K, V]) Put(ctx context.Context, key K, value V) error {
	part, err := db.acquire(ctx, key)
	if err != nil {
		return err
	}
	data, err := encodeValue(db.codec, value)
	if err != nil {
		return fmt.Errorf("causalkv: encode value: %w", err)
	}
	_, err = part.Put(ctx, string(key), data)
	return mapStoreErr(err)
}

// Get returns the latest value of key.
// It returns ErrNotFound if the key does not exist or was deleted.
func (db *DB[K, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V

	part, err := db.acquire(ctx, key)
	if err != nil {
		return zero, err
	}
	data, err := part.Get(ctx, string(key))
	if err != nil {
		return zero, mapStoreErr(err)
	}
	value, err := decodeValue(db.codec, data)
	if err != nil {
		return zero, fmt.Errorf("causalkv: decode value: %w", err)
	}
	return value, nil
}

// Del deletes key. Deleting a missing key still records a tombstone.
func (db *DB[K, V]) Del(ctx context.Context, key K) error {
	part, err := db.acquire(ctx, key)
	if err != nil {
		return err
	}
	_, err = part.Del(ctx, string(key))
	return mapStoreErr(err)
}

// OpType is the type of a batch operation.
type OpType string

const (
	OpPut OpType = "put"
	OpDel OpType = "del"
)

// Op is one batch operation. Value is ignored for OpDel.
type Op[K ~string, V any] struct {
	Type  OpType
	Key   K
	Value V
}

// Batch applies ops in order. Every operation is validated first, so an
// invalid one fails the batch before anything is written. Operations are
// not atomic as a group: an error stops the batch after earlier ones applied.
func (db *DB[K, V]) Batch(ctx context.Context, ops []Op[K, V]) error {
	part, err := db.acquire(ctx, "")
	if err != nil && !errors.Is(err, ErrInvalidKey) {
		return err
	}
	encoded := make([][]byte, len(ops))
	for i, op := range ops {
		if op.Key == "" {
			return ErrInvalidKey
		}
		switch op.Type {
		case OpPut:
			data, err := encodeValue(db.codec, op.Value)
			if err != nil {
				return fmt.Errorf("causalkv: encode value: %w", err)
			}
			encoded[i] = data
		case OpDel:
		default:
			return fmt.Errorf("%w: %s", ErrInvalidOperation, op.Type)
		}
	}
	for i, op := range ops {
		if op.Type == OpPut {
			_, err = part.Put(ctx, string(op.Key), encoded[i])
		} else {
			_, err = part.Del(ctx, string(op.Key))
		}
		if err != nil {
			return mapStoreErr(err)
		}
	}
	return nil
}

// HeadCID returns the id of the partition head, or "" for an empty log.
func (db *DB[K, V]) HeadCID(ctx context.Context) (string, error) {
	part, err := db.acquire(ctx, "")
	if err != nil && !errors.Is(err, ErrInvalidKey) {
		return "", err
	}
	head, err := part.HeadCID(ctx)
	return string(head), mapStoreErr(err)
}

func (db *DB[K, V]) Partition() string {
	return db.partition
}

func (db *DB[K, V]) ReplicaID() string {
	return db.cfg.ReplicaID
}

// Addr returns the gossip address when the DB runs its own UDP node.
func (db *DB[K, V]) Addr() string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.node == nil {
		return ""
	}
	return db.node.Addr()
}

// AddPeers adds gossip peers to the DB's UDP node.
func (db *DB[K, V]) AddPeers(peers []string) {
	db.mu.RLock()
	node := db.node
	db.mu.RUnlock()
	if node != nil {
		node.AddPeers(peers)
	}
}

// OnChange registers an observer of visible changes. Observers run in order
// on a single goroutine and must not block.
func (db *DB[K, V]) OnChange(fn func(ChangeEvent[K, V])) {
	db.observers.mu.Lock()
	db.observers.onChange = append(db.observers.onChange, fn)
	db.observers.mu.Unlock()
}

// OnError registers an observer of background errors.
func (db *DB[K, V]) OnError(fn func(error)) {
	db.observers.mu.Lock()
	db.observers.onError = append(db.observers.onError, fn)
	db.observers.mu.Unlock()
}

// OnNewHead registers an observer of partition head changes.
func (db *DB[K, V]) OnNewHead(fn func(string)) {
	db.observers.mu.Lock()
	db.observers.onNewHead = append(db.observers.onNewHead, fn)
	db.observers.mu.Unlock()
}

// Close stops gossip, waits for background work and releases stores the
// DB opened itself. Further operations will return ErrClosed.
// The provided context allows cancellation of the close operation.
func (db *DB[K, V]) Close(ctx context.Context) error {
	if err := mapContextErr(ctx); err != nil {
		return err
	}
	db.mu.Lock()
	switch db.state {
	case stateClosed:
		db.mu.Unlock()
		return ErrClosed
	case stateNew:
		db.state = stateClosed
		db.mu.Unlock()
		return nil
	}
	db.state = stateClosed
	part := db.part
	closers := db.closers
	db.closers = nil
	db.mu.Unlock()

	err := part.Close()
	if cerr := runClosers(closers); err == nil {
		err = cerr
	}
	db.logger.Info("replica closed")
	return mapStoreErr(err)
}

// runClosers releases resources in reverse acquisition order.
func runClosers(closers []func() error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (db *DB[K, V]) acquire(ctx context.Context, key K) (*replog.Partition, error) {
	if err := mapContextErr(ctx); err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	switch db.state {
	case stateNew:
		return nil, ErrNotOpen
	case stateClosed:
		return nil, ErrClosed
	}
	if key == "" {
		return db.part, ErrInvalidKey
	}
	return db.part, nil
}

func (db *DB[K, V]) onLogChange(change replog.Change) {
	db.events.post(func() {
		handlers := db.observers.changeHandlers()
		if len(handlers) == 0 {
			return
		}
		part := db.live.Load()
		if part == nil {
			return
		}
		event, err := db.changeEvent(part, change.LogCID)
		if err != nil {
			db.dispatchErr(err)
			return
		}
		for _, fn := range handlers {
			fn(event)
		}
	})
}

func (db *DB[K, V]) changeEvent(part *replog.Partition, id cid.ID) (ChangeEvent[K, V], error) {
	key, data, deleted, err := part.Resolve(context.Background(), id)
	if err != nil {
		return ChangeEvent[K, V]{}, fmt.Errorf("causalkv: resolve change %s: %w", id, err)
	}
	event := ChangeEvent[K, V]{Type: ChangePut, Key: K(key)}
	if deleted {
		event.Type = ChangeDel
		return event, nil
	}
	if event.Value, err = decodeValue(db.codec, data); err != nil {
		return ChangeEvent[K, V]{}, fmt.Errorf("causalkv: decode change %s: %w", id, err)
	}
	return event, nil
}

func (db *DB[K, V]) onLogNewHead(head cid.ID) {
	db.events.post(func() {
		for _, fn := range db.observers.headHandlers() {
			fn(string(head))
		}
	})
}

func (db *DB[K, V]) reportErr(err error) {
	if err == nil {
		return
	}
	db.logger.Warn("background error", zap.Error(err))
	db.events.post(func() {
		db.dispatchErr(err)
	})
}

func (db *DB[K, V]) dispatchErr(err error) {
	for _, fn := range db.observers.errorHandlers() {
		fn(err)
	}
}

func mapContextErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		if errors.Is(err, context.Canceled) {
			return ErrCanceled
		}
		return err
	}
	return nil
}

func mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if storage.IsNotFound(err) {
		return ErrNotFound
	}
	if errors.Is(err, replog.ErrClosed) || errors.Is(err, storage.ErrClosed) {
		return ErrClosed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrCanceled
	}
	return err
}
