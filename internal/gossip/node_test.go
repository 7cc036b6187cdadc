package gossip

import (
	"context"
	"testing"
	"time"

	"github.com/DobryySoul/causalkv/internal/blob"
	"github.com/DobryySoul/causalkv/internal/cid"
	"github.com/DobryySoul/causalkv/internal/storage"
)

func startNode(t *testing.T, id string, blobs blob.Store, peers ...string) *Node {
	t.Helper()
	node := NewNode(Config{
		ID:            id,
		BindAddr:      "127.0.0.1:0",
		Peers:         peers,
		HelloInterval: 50 * time.Millisecond,
		FetchTimeout:  time.Second,
		Blobs:         blobs,
	})
	if err := node.Start(); err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
	t.Cleanup(func() { _ = node.Stop() })
	return node
}

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{Kind: msgBlob, From: "a", ID: "s2-00", Data: []byte("x"), Found: true}
	data, err := encodeMessage(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeMessage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != msg.Kind || got.ID != msg.ID || string(got.Data) != "x" || !got.Found {
		t.Fatalf("unexpected message: %+v", got)
	}
	if _, err := decodeMessage([]byte("garbage")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestNodePublishSubscribe(t *testing.T) {
	a := startNode(t, "a", nil)

	joined := make(chan struct{}, 4)
	received := make(chan string, 4)
	cancel, err := a.Subscribe("/ns/p", func(data []byte) {
		received <- string(data)
	}, func() {
		joined <- struct{}{}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	// b greets a on start; a learns b from the hello
	b := startNode(t, "b", nil, a.Addr())
	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("peer join not signalled")
	}

	if err := b.Publish(context.Background(), "/ns/p", []byte("head")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-received:
		if got != "head" {
			t.Fatalf("expected head, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	if err := b.Publish(context.Background(), "/ns/other", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-received:
		t.Fatalf("unexpected delivery %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNodeFetch(t *testing.T) {
	ctx := context.Background()
	remote := blob.NewMemory()
	id, err := remote.Put(ctx, []byte("payload"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	a := startNode(t, "a", remote)
	b := startNode(t, "b", blob.NewMemory(), a.Addr())

	data, err := b.Fetch(ctx, id)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("expected payload, got %q", data)
	}

	_, err = b.Fetch(ctx, cid.Sum([]byte("missing")))
	if !storage.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestNodeFetchThroughBlobStore(t *testing.T) {
	ctx := context.Background()
	remote := blob.NewMemory()
	id, _ := remote.Put(ctx, []byte("payload"))
	a := startNode(t, "a", remote)

	local := blob.NewMemory()
	b := startNode(t, "b", local, a.Addr())
	store := blob.NewFetching(local, b)

	data, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != "payload" || !local.Has(id) {
		t.Fatalf("blob not fetched and cached")
	}
}

func TestNodeFetchWithoutPeers(t *testing.T) {
	a := startNode(t, "a", nil)
	if _, err := a.Fetch(context.Background(), cid.Sum([]byte("x"))); !storage.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestNodeAddPeers(t *testing.T) {
	a := startNode(t, "a", nil)
	b := startNode(t, "b", nil)

	b.AddPeers([]string{a.Addr(), a.Addr(), b.Addr(), ""})
	if peers := b.Peers(); len(peers) != 1 || peers[0] != a.Addr() {
		t.Fatalf("unexpected peers %v", peers)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(a.Peers()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("a did not learn about b")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNodeStopIsIdempotent(t *testing.T) {
	a := NewNode(Config{ID: "a", BindAddr: "127.0.0.1:0"})
	if err := a.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = a.Stop()
	_ = a.Stop()
	if err := a.Publish(context.Background(), "/t", nil); err == nil {
		t.Fatal("expected publish on stopped node to fail")
	}
}
