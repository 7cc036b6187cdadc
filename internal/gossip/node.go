// Package gossip carries partition heads and blobs between replicas over UDP.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DobryySoul/causalkv/internal/blob"
	"github.com/DobryySoul/causalkv/internal/cid"
	"github.com/DobryySoul/causalkv/internal/storage"
)

const (
	DefaultHelloInterval = 5 * time.Second
	DefaultFetchTimeout  = 3 * time.Second

	maxDatagram = 64 * 1024
)

// Config configures a Node.
type Config struct {
	ID       string
	BindAddr string
	Peers    []string
	// HelloInterval is the period of membership announcements to known peers.
	HelloInterval time.Duration
	// FetchTimeout bounds Fetch calls whose context has no deadline.
	FetchTimeout time.Duration
	// Blobs is the local store served to peers asking for blobs.
	Blobs   blob.Store
	OnError func(error)
	Logger  *zap.Logger
}

type fetchResult struct {
	data  []byte
	found bool
}

type fetchWait struct {
	expected int
	misses   int
	result   chan fetchResult
}

// Node is a UDP gossip endpoint. It fans published messages out to every
// known peer, announces itself with hello messages and answers blob
// requests from its local store.
type Node struct {
	id           string
	bindAddr     string
	interval     time.Duration
	fetchTimeout time.Duration
	blobs        blob.Store
	onError      func(error)
	logger       *zap.Logger
	topics       *topics

	conn     *net.UDPConn
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	peersMu  sync.RWMutex
	peers    []string
	peersSet map[string]struct{}

	fetchMu sync.Mutex
	fetches map[string][]*fetchWait

	ctx    context.Context
	cancel context.CancelFunc
}

func NewNode(cfg Config) *Node {
	if cfg.HelloInterval <= 0 {
		cfg.HelloInterval = DefaultHelloInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	filtered := filterPeers(cfg.BindAddr, cfg.Peers)
	peersSet := make(map[string]struct{}, len(filtered))
	for _, peer := range filtered {
		peersSet[peer] = struct{}{}
	}
	return &Node{
		id:           cfg.ID,
		bindAddr:     cfg.BindAddr,
		interval:     cfg.HelloInterval,
		fetchTimeout: cfg.FetchTimeout,
		blobs:        cfg.Blobs,
		onError:      cfg.OnError,
		logger:       cfg.Logger.With(zap.String("node", cfg.ID)),
		topics:       newTopics(),
		stop:         make(chan struct{}),
		peers:        filtered,
		peersSet:     peersSet,
		fetches:      make(map[string][]*fetchWait),
		ctx:          context.Background(),
	}
}

func (n *Node) ID() string {
	return n.id
}

// Start binds the UDP socket and starts the read and hello loops.
func (n *Node) Start() error {
	addr, err := net.ResolveUDPAddr("udp", n.bindAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	n.conn = conn
	n.bindAddr = conn.LocalAddr().String()
	n.ctx, n.cancel = context.WithCancel(context.Background())

	n.wg.Add(2)
	go n.readLoop()
	go n.helloLoop()
	n.sendHello(n.Peers())
	n.logger.Info("gossip node started", zap.String("addr", n.bindAddr), zap.Int("peers", len(n.Peers())))
	return nil
}

// Stop closes the socket and waits for the loops to exit. It is idempotent.
func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		close(n.stop)
		if n.conn != nil {
			_ = n.conn.Close()
		}
		if n.cancel != nil {
			n.cancel()
		}
		n.wg.Wait()
	})
	return nil
}

// Addr returns the bound address, resolved once the node has started.
func (n *Node) Addr() string {
	return n.bindAddr
}

// Publish sends data on topic to every known peer.
func (n *Node) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-n.stop:
		return net.ErrClosed
	default:
	}
	msg := Message{Kind: msgPublish, From: n.id, Topic: topic, Data: data}
	var errs []error
	for _, peer := range n.Peers() {
		if err := n.send(peer, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe registers handlers for messages on topic and for newly joined
// peers. The returned function cancels the subscription.
func (n *Node) Subscribe(topic string, onMessage func([]byte), onPeerJoined func()) (func(), error) {
	if topic == "" {
		return nil, errors.New("gossip: empty topic")
	}
	return n.topics.add(topic, onMessage, onPeerJoined), nil
}

// Fetch asks every peer for a blob and returns the first copy found.
// It fails with storage.ErrNotFound once every peer has answered without it.
func (n *Node) Fetch(ctx context.Context, id cid.ID) ([]byte, error) {
	peers := n.Peers()
	if len(peers) == 0 {
		return nil, storage.ErrNotFound
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.fetchTimeout)
		defer cancel()
	}

	w := &fetchWait{expected: len(peers), result: make(chan fetchResult, 1)}
	key := string(id)
	n.fetchMu.Lock()
	n.fetches[key] = append(n.fetches[key], w)
	n.fetchMu.Unlock()
	defer n.dropFetch(key, w)

	msg := Message{Kind: msgNeed, From: n.id, ID: key}
	for _, peer := range peers {
		if err := n.send(peer, msg); err != nil {
			n.reportErr(err)
		}
	}

	select {
	case res := <-w.result:
		if !res.found {
			return nil, storage.ErrNotFound
		}
		return res.data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("gossip: fetch %s: %w", id, ctx.Err())
	}
}

func (n *Node) dropFetch(key string, w *fetchWait) {
	n.fetchMu.Lock()
	defer n.fetchMu.Unlock()
	waits := slices.DeleteFunc(n.fetches[key], func(other *fetchWait) bool { return other == w })
	if len(waits) == 0 {
		delete(n.fetches, key)
		return
	}
	n.fetches[key] = waits
}

func (n *Node) readLoop() {
	defer n.wg.Done()
	buf := make([]byte, maxDatagram)

	for {
		n.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		nbytes, addr, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-n.stop:
				return
			default:
				continue
			}
		}

		msg, err := decodeMessage(buf[:nbytes])
		if err != nil {
			n.reportErr(fmt.Errorf("gossip: decode message: %w", err))
			continue
		}
		switch msg.Kind {
		case msgPublish:
			n.topics.deliver(msg.Topic, msg.Data)
		case msgHello:
			n.handleHello(addr, msg.From)
		case msgNeed:
			n.handleNeed(addr, msg.ID)
		case msgBlob:
			n.handleBlob(msg)
		}
	}
}

func (n *Node) helloLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			n.sendHello(n.Peers())
		}
	}
}

func (n *Node) sendHello(peers []string) {
	msg := Message{Kind: msgHello, From: n.id}
	for _, peer := range peers {
		if err := n.send(peer, msg); err != nil {
			n.reportErr(err)
		}
	}
}

func (n *Node) handleHello(addr *net.UDPAddr, from string) {
	peer := addr.String()
	if !n.addPeer(peer) {
		return
	}
	n.logger.Debug("peer joined", zap.String("peer", peer), zap.String("from", from))
	// answer so the newcomer learns about us without waiting for a tick
	n.sendHello([]string{peer})
	n.topics.peerJoined()
}

func (n *Node) handleNeed(addr *net.UDPAddr, id string) {
	reply := Message{Kind: msgBlob, From: n.id, ID: id}
	if n.blobs != nil {
		data, err := n.blobs.Get(n.ctx, cid.ID(id))
		switch {
		case err == nil:
			reply.Data = data
			reply.Found = true
		case !storage.IsNotFound(err):
			n.reportErr(fmt.Errorf("gossip: serve blob %s: %w", id, err))
		}
	}
	if err := n.send(addr.String(), reply); err != nil {
		n.reportErr(err)
	}
}

func (n *Node) handleBlob(msg Message) {
	n.fetchMu.Lock()
	defer n.fetchMu.Unlock()
	for _, w := range n.fetches[msg.ID] {
		if msg.Found {
			select {
			case w.result <- fetchResult{data: msg.Data, found: true}:
			default:
			}
			continue
		}
		w.misses++
		if w.misses >= w.expected {
			select {
			case w.result <- fetchResult{}:
			default:
			}
		}
	}
}

func (n *Node) send(addr string, msg Message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return fmt.Errorf("gossip: encode message: %w", err)
	}
	if len(data) > maxDatagram {
		return fmt.Errorf("gossip: %s message of %d bytes exceeds datagram size", msg.Kind, len(data))
	}
	peerAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("gossip: resolve addr: %w", err)
	}
	if n.conn == nil {
		return errors.New("gossip: node not started")
	}
	if _, err := n.conn.WriteToUDP(data, peerAddr); err != nil {
		return fmt.Errorf("gossip: send: %w", err)
	}
	return nil
}

func filterPeers(bindAddr string, peers []string) []string {
	seen := make(map[string]struct{}, len(peers))
	out := make([]string, 0, len(peers))
	for _, peer := range peers {
		if peer == "" || peer == bindAddr {
			continue
		}
		peer = normalizePeer(peer)
		if _, ok := seen[peer]; ok {
			continue
		}
		seen[peer] = struct{}{}
		out = append(out, peer)
	}
	return out
}

// normalizePeer resolves host names so replies, which carry the numeric
// source address, match the configured peer.
func normalizePeer(peer string) string {
	addr, err := net.ResolveUDPAddr("udp", peer)
	if err != nil {
		return peer
	}
	return addr.String()
}

// AddPeers registers peers, greets the new ones and signals subscribers
// that peers joined.
func (n *Node) AddPeers(peers []string) {
	filtered := filterPeers(n.Addr(), peers)
	var added []string
	for _, peer := range filtered {
		if peer == n.Addr() {
			continue
		}
		if n.addPeer(peer) {
			added = append(added, peer)
		}
	}
	if len(added) == 0 {
		return
	}
	n.logger.Debug("peers added", zap.Strings("peers", added))
	if n.conn != nil {
		n.sendHello(added)
	}
	n.topics.peerJoined()
}

func (n *Node) addPeer(peer string) bool {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()
	if _, ok := n.peersSet[peer]; ok {
		return false
	}
	n.peersSet[peer] = struct{}{}
	n.peers = append(n.peers, peer)
	return true
}

// Peers returns a copy of the known peer addresses.
func (n *Node) Peers() []string {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	return slices.Clone(n.peers)
}

func (n *Node) reportErr(err error) {
	if err == nil {
		return
	}
	n.logger.Debug("gossip error", zap.Error(err))
	if n.onError == nil {
		return
	}
	n.onError(err)
}
