package gossip

import (
	"context"
	"sync"

	"github.com/DobryySoul/causalkv/internal/blob"
	"github.com/DobryySoul/causalkv/internal/cid"
	"github.com/DobryySoul/causalkv/internal/storage"
)

// Hub connects endpoints living in one process. It is the transport of
// tests and single-process setups and behaves like a fully connected
// network of Nodes without the sockets.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[*Endpoint]struct{}
}

func NewHub() *Hub {
	return &Hub{endpoints: make(map[*Endpoint]struct{})}
}

// Join adds an endpoint serving blobs from the given store, which may be
// nil. The store must be a local one: serving from a store that fetches
// through the hub would recurse. Existing endpoints see a peer join.
func (h *Hub) Join(id string, blobs blob.Store) *Endpoint {
	e := &Endpoint{id: id, hub: h, blobs: blobs, topics: newTopics()}
	h.mu.Lock()
	peers := h.othersLocked(e)
	h.endpoints[e] = struct{}{}
	h.mu.Unlock()
	for _, peer := range peers {
		peer.topics.peerJoined()
	}
	return e
}

func (h *Hub) othersLocked(self *Endpoint) []*Endpoint {
	out := make([]*Endpoint, 0, len(h.endpoints))
	for e := range h.endpoints {
		if e != self {
			out = append(out, e)
		}
	}
	return out
}

func (h *Hub) others(self *Endpoint) []*Endpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.othersLocked(self)
}

// Endpoint is one member of a Hub.
type Endpoint struct {
	id     string
	hub    *Hub
	blobs  blob.Store
	topics *topics
}

func (e *Endpoint) ID() string {
	return e.id
}

func (e *Endpoint) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, peer := range e.hub.others(e) {
		peer.topics.deliver(topic, data)
	}
	return nil
}

func (e *Endpoint) Subscribe(topic string, onMessage func([]byte), onPeerJoined func()) (func(), error) {
	return e.topics.add(topic, onMessage, onPeerJoined), nil
}

// Fetch returns a blob held by any other endpoint.
func (e *Endpoint) Fetch(ctx context.Context, id cid.ID) ([]byte, error) {
	for _, peer := range e.hub.others(e) {
		if peer.blobs == nil {
			continue
		}
		data, err := peer.blobs.Get(ctx, id)
		if err == nil {
			return data, nil
		}
		if !storage.IsNotFound(err) {
			return nil, err
		}
	}
	return nil, storage.ErrNotFound
}

// Leave removes the endpoint from the hub.
func (e *Endpoint) Leave() {
	e.hub.mu.Lock()
	delete(e.hub.endpoints, e)
	e.hub.mu.Unlock()
}
