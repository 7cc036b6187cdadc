package gossip

import "sync"

type subscription struct {
	onMessage    func([]byte)
	onPeerJoined func()
}

// topics tracks local subscriptions per topic.
type topics struct {
	mu   sync.RWMutex
	subs map[string]map[*subscription]struct{}
}

func newTopics() *topics {
	return &topics{subs: make(map[string]map[*subscription]struct{})}
}

func (t *topics) add(topic string, onMessage func([]byte), onPeerJoined func()) func() {
	if onMessage == nil {
		onMessage = func([]byte) {}
	}
	if onPeerJoined == nil {
		onPeerJoined = func() {}
	}
	sub := &subscription{onMessage: onMessage, onPeerJoined: onPeerJoined}
	t.mu.Lock()
	if t.subs[topic] == nil {
		t.subs[topic] = make(map[*subscription]struct{})
	}
	t.subs[topic][sub] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs[topic], sub)
			if len(t.subs[topic]) == 0 {
				delete(t.subs, topic)
			}
			t.mu.Unlock()
		})
	}
}

func (t *topics) deliver(topic string, data []byte) {
	t.mu.RLock()
	subs := make([]*subscription, 0, len(t.subs[topic]))
	for sub := range t.subs[topic] {
		subs = append(subs, sub)
	}
	t.mu.RUnlock()
	for _, sub := range subs {
		sub.onMessage(append([]byte(nil), data...))
	}
}

func (t *topics) peerJoined() {
	t.mu.RLock()
	var subs []*subscription
	for _, set := range t.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	t.mu.RUnlock()
	for _, sub := range subs {
		sub.onPeerJoined()
	}
}
