package backplane

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	logx "pulse/pkg/logx"
)

func TestLocalRelaysToPeersOnly(t *testing.T) {
	t.Parallel()
	net := NewLocal()
	a, b, c := net.Node("a"), net.Node("b"), net.Node("c")

	var mu sync.Mutex
	got := map[string][]Envelope{}
	for _, n := range []*LocalNode{a, b, c} {
		n := n
		if _, err := n.Subscribe(func(env Envelope) {
			mu.Lock()
			got[n.NodeID()] = append(got[n.NodeID()], env)
			mu.Unlock()
		}); err != nil {
			t.Fatal(err)
		}
	}

	data, _ := json.Marshal(map[string]string{"userId": "alice"})
	if err := a.Publish(context.Background(), Envelope{Kind: KindBroadcast, Event: "userOnline", Data: data}); err != nil {
		t.Fatal(err)
	}
	if len(got["a"]) != 0 {
		t.Fatal("origin must not receive its own envelope")
	}
	for _, id := range []string{"b", "c"} {
		if len(got[id]) != 1 || got[id][0].Origin != "a" || got[id][0].Event != "userOnline" {
			t.Fatalf("%s got %+v", id, got[id])
		}
	}

	_ = c.Close()
	_ = b.Publish(context.Background(), Envelope{Kind: KindUser, UserID: "bob", Event: "x"})
	if len(got["c"]) != 1 {
		t.Fatal("closed node must not receive")
	}
	if len(got["a"]) != 1 || got["a"][0].UserID != "bob" {
		t.Fatalf("a got %+v", got["a"])
	}
}

func TestLocalUnsubscribe(t *testing.T) {
	t.Parallel()
	net := NewLocal()
	a, b := net.Node("a"), net.Node("")
	if b.NodeID() == "" {
		t.Fatal("empty id should be generated")
	}
	n := 0
	unsub, _ := b.Subscribe(func(Envelope) { n++ })
	_ = a.Publish(context.Background(), Envelope{Kind: KindBroadcast})
	unsub()
	_ = a.Publish(context.Background(), Envelope{Kind: KindBroadcast})
	if n != 1 {
		t.Fatalf("deliveries = %d, want 1", n)
	}
}

func TestNATSSubjects(t *testing.T) {
	t.Parallel()
	b := NewNATS(nil, "", "node-1", false, logx.Nop())
	if got := b.subject(Envelope{Kind: KindUser, UserID: "u1"}); got != "pulse.user.u1" {
		t.Fatalf("user subject = %q", got)
	}
	if got := b.subject(Envelope{Kind: KindBroadcast}); got != "pulse.broadcast" {
		t.Fatalf("broadcast subject = %q", got)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close on borrowed conn: %v", err)
	}
}
