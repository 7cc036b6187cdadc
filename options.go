package causalkv

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/DobryySoul/causalkv/internal/blob"
	"github.com/DobryySoul/causalkv/internal/replog"
	"github.com/DobryySoul/causalkv/internal/storage"
)

// Option configures the database on creation.
// Return an error to reject an invalid option value.
type Option func(*Config) error

// Config holds runtime configuration for a causalkv replica.
// Users typically set it via Option helpers.
type Config struct {
	ReplicaID string
	Namespace string
	BindAddr  string
	Seeds     []string
	Discovery bool
	// Sync enables gossiping the partition head. It needs a bind address
	// or a PubSub.
	Sync           bool
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	GossipInterval time.Duration
	DataDir        string

	store        storage.Store
	blobs        blob.Store
	pubsub       PubSub
	codec        any
	errorHandler func(error)
	logger       *zap.Logger
}

// PubSub is the channel partition heads are gossiped on. Implementations
// that can also fetch blobs from peers are used for that too.
type PubSub interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string, onMessage func(data []byte), onPeerJoined func()) (func(), error)
}

var _ replog.PubSub = PubSub(nil)

func defaultConfig() Config {
	return Config{
		Namespace:      replog.DefaultNamespace,
		Discovery:      true,
		InitialDelay:   replog.DefaultInitialDelay,
		MaxDelay:       replog.DefaultMaxDelay,
		GossipInterval: 2 * time.Second,
	}
}

func (c *Config) finalize() error {
	if c.ReplicaID == "" {
		id, err := randomReplicaID()
		if err != nil {
			return err
		}
		c.ReplicaID = id
	}
	if c.BindAddr != "" {
		if err := validateAddr(c.BindAddr); err != nil {
			return err
		}
	}
	if len(c.Seeds) > 0 && c.BindAddr == "" {
		return fmt.Errorf("causalkv: bind addr required when seeds are set")
	}
	if c.Sync && c.BindAddr == "" && c.pubsub == nil {
		return fmt.Errorf("causalkv: sync requires a bind addr or a pubsub")
	}
	if c.GossipInterval <= 0 {
		return fmt.Errorf("causalkv: gossip interval must be positive")
	}
	if c.InitialDelay <= 0 || c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("causalkv: invalid backoff %s..%s", c.InitialDelay, c.MaxDelay)
	}
	if c.store != nil && c.DataDir != "" {
		return fmt.Errorf("causalkv: store and data dir are mutually exclusive")
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return nil
}

// WithReplicaID sets a stable replica identifier used in vector clocks.
// If omitted, a random ID is generated.
func WithReplicaID(id string) Option {
	return func(c *Config) error {
		if id == "" {
			return fmt.Errorf("causalkv: replica id cannot be empty")
		}
		c.ReplicaID = id
		return nil
	}
}

// WithNamespace sets the namespace of gossip topics, /<namespace>/<partition>.
func WithNamespace(namespace string) Option {
	return func(c *Config) error {
		if namespace == "" {
			return fmt.Errorf("causalkv: namespace cannot be empty")
		}
		c.Namespace = namespace
		return nil
	}
}

// WithBindAddr sets the local gossip address in host:port form and enables
// sync over UDP.
// It is validated with net.SplitHostPort.
func WithBindAddr(addr string) Option {
	return func(c *Config) error {
		if addr == "" {
			return fmt.Errorf("causalkv: bind addr cannot be empty")
		}
		if err := validateAddr(addr); err != nil {
			return err
		}
		c.BindAddr = addr
		c.Sync = true
		return nil
	}
}

// WithSeeds sets the initial peer addresses for bootstrapping.
func WithSeeds(seeds []string) Option {
	return func(c *Config) error {
		c.Seeds = append([]string(nil), seeds...)
		return nil
	}
}

// WithDiscovery enables or disables mDNS peer discovery.
func WithDiscovery(enabled bool) Option {
	return func(c *Config) error {
		c.Discovery = enabled
		return nil
	}
}

// WithSync enables or disables head gossip.
func WithSync(enabled bool) Option {
	return func(c *Config) error {
		c.Sync = enabled
		return nil
	}
}

// WithBackoff sets the broadcast backoff bounds.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(c *Config) error {
		if initial <= 0 || maxDelay < initial {
			return fmt.Errorf("causalkv: invalid backoff %s..%s", initial, maxDelay)
		}
		c.InitialDelay = initial
		c.MaxDelay = maxDelay
		return nil
	}
}

// WithGossipInterval sets how often the node greets its known peers.
func WithGossipInterval(interval time.Duration) Option {
	return func(c *Config) error {
		if interval <= 0 {
			return fmt.Errorf("causalkv: gossip interval must be positive")
		}
		c.GossipInterval = interval
		return nil
	}
}

// WithDataDir persists the partition in a LevelDB database under dir.
func WithDataDir(dir string) Option {
	return func(c *Config) error {
		if dir == "" {
			return fmt.Errorf("causalkv: data dir cannot be empty")
		}
		c.DataDir = dir
		return nil
	}
}

// WithStore sets the ordered store holding the partition's index and cache.
// The DB does not close a store it was given.
func WithStore(store storage.Store) Option {
	return func(c *Config) error {
		if store == nil {
			return fmt.Errorf("causalkv: store cannot be nil")
		}
		c.store = store
		return nil
	}
}

// WithBlobStore sets the content-addressed store for entries and values.
func WithBlobStore(blobs blob.Store) Option {
	return func(c *Config) error {
		if blobs == nil {
			return fmt.Errorf("causalkv: blob store cannot be nil")
		}
		c.blobs = blobs
		return nil
	}
}

// WithPubSub gossips heads over ps instead of a UDP node and enables sync.
func WithPubSub(ps PubSub) Option {
	return func(c *Config) error {
		if ps == nil {
			return fmt.Errorf("causalkv: pubsub cannot be nil")
		}
		c.pubsub = ps
		c.Sync = true
		return nil
	}
}

// WithCodec sets the value codec.
func WithCodec[V any](codec Codec[V]) Option {
	return func(c *Config) error {
		if codec == nil {
			return fmt.Errorf("causalkv: codec cannot be nil")
		}
		c.codec = codec
		return nil
	}
}

// WithErrorHandler sets a callback for background errors (merge, sync, gc, network).
// It is best-effort and must be fast and non-blocking.
func WithErrorHandler(handler func(error)) Option {
	return func(c *Config) error {
		if handler == nil {
			return fmt.Errorf("causalkv: error handler cannot be nil")
		}
		c.errorHandler = handler
		return nil
	}
}

// WithLogger sets the logger. Components log through named children.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) error {
		if logger == nil {
			return fmt.Errorf("causalkv: logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

func randomReplicaID() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("causalkv: generate replica id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

func validateAddr(addr string) error {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("causalkv: invalid address %q: %w", addr, err)
	}
	return nil
}
