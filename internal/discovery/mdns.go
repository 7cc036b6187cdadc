// Package discovery finds gossip peers on the local network.
package discovery

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	ServiceName = "_causalkv._udp"
	domain      = "local."
)

// Config describes the announced node.
type Config struct {
	NodeID string
	// BindAddr is the gossip address; only its port is announced.
	BindAddr string
	// Namespace separates clusters sharing a network segment.
	Namespace string
	Logger    *zap.Logger
}

// MDNS announces the local node and reports peers of the same namespace.
type MDNS struct {
	cfg    Config
	server *zeroconf.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMDNS starts announcing and browsing. onPeer is called once for every
// newly discovered peer address (host:port).
func NewMDNS(cfg Config, onPeer func([]string)) (*MDNS, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	_, portStr, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid bind addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid port: %w", err)
	}

	server, err := zeroconf.Register(cfg.NodeID, ServiceName, domain, port, txtRecords(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register: %w", err)
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		server.Shutdown()
		return nil, fmt.Errorf("discovery: resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	entries := make(chan *zeroconf.ServiceEntry)
	mdns := &MDNS{
		cfg:    cfg,
		server: server,
		cancel: cancel,
		seen:   make(map[string]struct{}),
	}

	mdns.wg.Add(1)
	go mdns.browseLoop(entries, onPeer)

	if err := resolver.Browse(ctx, ServiceName, domain, entries); err != nil {
		cancel()
		server.Shutdown()
		mdns.wg.Wait()
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}
	cfg.Logger.Info("mdns discovery started", zap.String("service", ServiceName), zap.Int("port", port))
	return mdns, nil
}

func txtRecords(cfg Config) []string {
	return []string{"node=" + cfg.NodeID, "ns=" + cfg.Namespace}
}

func (m *MDNS) browseLoop(entries <-chan *zeroconf.ServiceEntry, onPeer func([]string)) {
	defer m.wg.Done()
	for entry := range entries {
		if !m.accepts(entry) {
			continue
		}
		if peers := m.fresh(peerAddrs(entry)); len(peers) > 0 {
			m.cfg.Logger.Debug("discovered peers", zap.Strings("peers", peers))
			onPeer(peers)
		}
	}
}

// accepts reports whether entry is another node of the same namespace.
func (m *MDNS) accepts(entry *zeroconf.ServiceEntry) bool {
	if slices.Contains(entry.Text, "node="+m.cfg.NodeID) {
		return false
	}
	return slices.Contains(entry.Text, "ns="+m.cfg.Namespace)
}

func (m *MDNS) fresh(addrs []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := addrs[:0]
	for _, addr := range addrs {
		if _, ok := m.seen[addr]; ok {
			continue
		}
		m.seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

func peerAddrs(entry *zeroconf.ServiceEntry) []string {
	out := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		out = append(out, net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)))
	}
	for _, ip := range entry.AddrIPv6 {
		out = append(out, net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)))
	}
	return out
}

// Stop shuts down the discovery service.
func (m *MDNS) Stop() {
	if m == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.server.Shutdown()
}
