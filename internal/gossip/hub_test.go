package gossip

import (
	"context"
	"testing"

	"github.com/DobryySoul/causalkv/internal/blob"
	"github.com/DobryySoul/causalkv/internal/cid"
	"github.com/DobryySoul/causalkv/internal/storage"
)

func TestHubDeliversToOthers(t *testing.T) {
	hub := NewHub()
	a := hub.Join("a", nil)

	var joined int
	var got []string
	cancel, _ := a.Subscribe("/t", func(data []byte) { got = append(got, string(data)) }, func() { joined++ })
	ownCancel, _ := a.Subscribe("/t", nil, nil)
	defer ownCancel()

	b := hub.Join("b", nil)
	if joined != 1 {
		t.Fatalf("expected one join, got %d", joined)
	}
	if err := b.Publish(context.Background(), "/t", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := a.Publish(context.Background(), "/t", []byte("self")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(got) != 1 || got[0] != "x" {
		t.Fatalf("unexpected deliveries %v", got)
	}

	cancel()
	cancel()
	_ = b.Publish(context.Background(), "/t", []byte("y"))
	if len(got) != 1 {
		t.Fatalf("delivered after cancel: %v", got)
	}
}

func TestHubFetch(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	remote := blob.NewMemory()
	id, _ := remote.Put(ctx, []byte("v"))
	hub.Join("a", remote)
	b := hub.Join("b", blob.NewMemory())

	data, err := b.Fetch(ctx, id)
	if err != nil || string(data) != "v" {
		t.Fatalf("fetch: %q %v", data, err)
	}
	if _, err := b.Fetch(ctx, cid.Sum([]byte("none"))); !storage.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}

	b.Leave()
	if err := b.Publish(ctx, "/t", nil); err != nil {
		t.Fatalf("publish after leave: %v", err)
	}
}
