package replog

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/DobryySoul/causalkv/internal/cid"
)

// PubSub is the gossip channel Sync broadcasts on. Delivery is best effort
// and unordered.
type PubSub interface {
	Publish(ctx context.Context, topic string, data []byte) error
	// Subscribe registers handlers for topic and returns a function that
	// cancels the subscription.
	Subscribe(topic string, onMessage func(data []byte), onPeerJoined func()) (func(), error)
}

// SyncConfig configures a Sync.
type SyncConfig struct {
	Topic        string
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// OnRemoteHead receives every gossiped head that differs from the local one.
	OnRemoteHead func(ctx context.Context, head cid.ID) error
	OnError      func(error)
	Logger       *zap.Logger
}

// Sync periodically gossips the local head and forwards heads received
// from peers. The broadcast period backs off exponentially and drops back
// to its minimum whenever the head changes or a peer joins.
type Sync struct {
	cfg     SyncConfig
	pubsub  PubSub
	backoff *backoff.ExponentialBackOff
	cancel  func()

	mu      sync.Mutex
	head    cid.ID
	stopped bool

	reset chan struct{}
	stop  chan struct{}
	ctx   context.Context
	done  context.CancelFunc
	wg    sync.WaitGroup
}

// NewSync subscribes to the topic and starts the broadcast loop.
func NewSync(pubsub PubSub, cfg SyncConfig) (*Sync, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.OnError == nil {
		cfg.OnError = func(error) {}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.MaxInterval = cfg.MaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	ctx, done := context.WithCancel(context.Background())
	s := &Sync{
		cfg:     cfg,
		pubsub:  pubsub,
		backoff: b,
		reset:   make(chan struct{}, 1),
		stop:    make(chan struct{}),
		ctx:     ctx,
		done:    done,
	}
	cancel, err := pubsub.Subscribe(cfg.Topic, s.onMessage, s.onPeerJoined)
	if err != nil {
		done()
		return nil, errors.Wrapf(err, "replog: subscribe %s", cfg.Topic)
	}
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop()
	return s, nil
}

// SetNewHead records the head to broadcast and resets the backoff.
func (s *Sync) SetNewHead(head cid.ID) {
	s.mu.Lock()
	s.head = head
	s.mu.Unlock()
	s.resetBackoff()
}

// Head returns the head currently being broadcast.
func (s *Sync) Head() cid.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

// Stop halts broadcasting and releases the subscription. It is idempotent.
func (s *Sync) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stop)
	s.done()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sync) resetBackoff() {
	select {
	case s.reset <- struct{}{}:
	default:
	}
}

func (s *Sync) loop() {
	defer s.wg.Done()
	timer := time.NewTimer(s.backoff.NextBackOff())
	defer timer.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.reset:
			s.backoff.Reset()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.backoff.NextBackOff())
		case <-timer.C:
			s.broadcast()
			timer.Reset(s.backoff.NextBackOff())
		}
	}
}

func (s *Sync) broadcast() {
	head := s.Head()
	if head == "" {
		return
	}
	if err := s.pubsub.Publish(s.ctx, s.cfg.Topic, []byte(head)); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.cfg.OnError(errors.Wrapf(err, "replog: broadcast head on %s", s.cfg.Topic))
		return
	}
	broadcastsTotal.Inc()
}

func (s *Sync) onPeerJoined() {
	s.cfg.Logger.Debug("peer joined", zap.String("topic", s.cfg.Topic))
	s.resetBackoff()
}

func (s *Sync) onMessage(data []byte) {
	head, err := cid.Parse(string(data))
	if err != nil {
		s.cfg.Logger.Warn("dropping malformed head", zap.Error(err))
		return
	}
	if head == s.Head() {
		return
	}
	if s.cfg.OnRemoteHead == nil {
		return
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		if err := s.cfg.OnRemoteHead(s.ctx, head); err != nil && s.ctx.Err() == nil {
			s.cfg.OnError(err)
		}
	}()
}
