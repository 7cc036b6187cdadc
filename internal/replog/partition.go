// Package replog implements the replicated log engine: a causally ordered,
// content-addressed log of mutations per partition, merged across replicas
// with vector clocks and gossiped heads.
package replog

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/DobryySoul/causalkv/internal/blob"
	"github.com/DobryySoul/causalkv/internal/cid"
	"github.com/DobryySoul/causalkv/internal/storage"
)

const (
	DefaultNamespace    = "causalkv"
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 10 * time.Second
)

// Config describes a partition. Store and Blobs are required; PubSub is
// optional and enables sync.
type Config struct {
	Name      string
	Namespace string
	Replica   string

	Store  storage.Store
	Blobs  blob.Store
	PubSub PubSub

	InitialDelay time.Duration
	MaxDelay     time.Duration

	Logger    *zap.Logger
	OnError   func(error)
	OnChange  func(Change)
	OnNewHead func(cid.ID)
}

// Topic returns the gossip topic of a partition.
func Topic(namespace, name string) string {
	return "/" + namespace + "/" + name
}

// Partition owns the log, merger, sync and gc of one partition.
type Partition struct {
	cfg    Config
	log    *Log
	merger *Merger
	sync   *Sync
	gc     *collector
	logger *zap.Logger
}

// Open wires a partition over the configured stores and, when a PubSub is
// set, starts gossiping its head.
func Open(ctx context.Context, cfg Config) (*Partition, error) {
	if cfg.Name == "" {
		return nil, errors.New("replog: partition name required")
	}
	if cfg.Replica == "" {
		return nil, errors.New("replog: replica id required")
	}
	if cfg.Store == nil || cfg.Blobs == nil {
		return nil, errors.New("replog: store and blob store required")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = max(DefaultMaxDelay, cfg.InitialDelay)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.OnError == nil {
		cfg.OnError = func(error) {}
	}
	logger := cfg.Logger.With(zap.String("partition", cfg.Name), zap.String("replica", cfg.Replica))

	p := &Partition{
		cfg:    cfg,
		log:    NewLog(cfg.Replica, cfg.Store, cfg.Blobs, logger.Named("log")),
		logger: logger,
	}
	p.gc = newCollector(p.log, logger.Named("gc"), cfg.OnError)
	p.log.OnChange(p.gc.track)
	if cfg.OnChange != nil {
		p.log.OnChange(cfg.OnChange)
	}
	if cfg.OnNewHead != nil {
		p.log.OnNewHead(cfg.OnNewHead)
	}

	if cfg.PubSub != nil {
		p.merger = NewMerger(p.log, logger.Named("merger"))
		s, err := NewSync(cfg.PubSub, SyncConfig{
			Topic:        Topic(cfg.Namespace, cfg.Name),
			InitialDelay: cfg.InitialDelay,
			MaxDelay:     cfg.MaxDelay,
			OnRemoteHead: p.ProcessRemoteHead,
			OnError:      cfg.OnError,
			Logger:       logger.Named("sync"),
		})
		if err != nil {
			p.merger.Close()
			p.log.Close()
			return nil, err
		}
		p.sync = s
		p.log.OnNewHead(s.SetNewHead)
		head, err := p.log.LatestHeadCID(ctx)
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		if head != "" {
			s.SetNewHead(head)
		}
	}
	logger.Debug("partition opened", zap.Bool("sync", p.sync != nil))
	return p, nil
}

func (p *Partition) Name() string {
	return p.cfg.Name
}

func (p *Partition) Replica() string {
	return p.cfg.Replica
}

func (p *Partition) Log() *Log {
	return p.log
}

// Put stores value and records it as the latest version of key.
func (p *Partition) Put(ctx context.Context, key string, value []byte) (cid.ID, error) {
	defer p.gc.mutationDone()
	if value == nil {
		value = []byte{}
	}
	ref, err := p.cfg.Blobs.Put(ctx, value)
	if err != nil {
		return "", errors.Wrapf(err, "replog: store value of %q", key)
	}
	return p.log.Push(ctx, key, ref)
}

// Del records a tombstone for key.
func (p *Partition) Del(ctx context.Context, key string) (cid.ID, error) {
	defer p.gc.mutationDone()
	return p.log.Del(ctx, key)
}

// Get returns the latest value of key, or storage.ErrNotFound when the key
// is missing or deleted.
func (p *Partition) Get(ctx context.Context, key string) ([]byte, error) {
	entry, _, err := p.log.Latest(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.Deleted {
		return nil, storage.ErrNotFound
	}
	return p.log.Blob(ctx, entry.Blob)
}

// Resolve returns the key and value recorded by a log entry. Deleted
// entries yield a nil value.
func (p *Partition) Resolve(ctx context.Context, id cid.ID) (string, []byte, bool, error) {
	entry, err := p.log.Resolve(ctx, id)
	if err != nil {
		return "", nil, false, err
	}
	if entry.Deleted {
		return entry.Key, nil, true, nil
	}
	value, err := p.log.Blob(ctx, entry.Blob)
	if err != nil {
		return "", nil, false, err
	}
	return entry.Key, value, false, nil
}

// NewIterator opens an iterator. It stays paused while a gc sweep runs.
func (p *Partition) NewIterator(opts IteratorOptions) *Iterator {
	it := newIterator(p.log, p.cfg.Store, opts, p.gc.iteratorEnded)
	p.gc.iteratorOpened(it)
	return it
}

// HeadCID returns the partition head, or "" when the log is empty.
func (p *Partition) HeadCID(ctx context.Context) (cid.ID, error) {
	return p.log.LatestHeadCID(ctx)
}

// ProcessRemoteHead merges the history reachable from head.
func (p *Partition) ProcessRemoteHead(ctx context.Context, head cid.ID) error {
	if p.merger == nil {
		return errors.New("replog: sync disabled")
	}
	local, err := p.log.LatestHeadCID(ctx)
	if err != nil {
		return err
	}
	if local == head {
		return nil
	}
	p.logger.Debug("remote head", zap.Stringer("head", head))
	err = p.merger.ProcessRemoteHead(ctx, head)
	p.gc.mutationDone()
	return err
}

// WaitGC blocks until a running gc sweep completes.
func (p *Partition) WaitGC() {
	p.gc.wait()
}

// Close stops sync, waits for background work and stops the log.
func (p *Partition) Close() error {
	if p.sync != nil {
		p.sync.Stop()
	}
	if p.merger != nil {
		p.merger.Close()
	}
	p.gc.close()
	p.log.Close()
	return nil
}
