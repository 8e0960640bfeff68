package eventbus

import (
	"testing"
	"time"
)

func TestSubscribePrefixFilter(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	del, unsubDel := b.Subscribe(4, "delivery.")
	defer unsubDel()

	b.Publish(Event{Type: "presence.online"})
	b.Publish(Event{Type: "delivery.queued", Data: "t1"})

	select {
	case e := <-del:
		if e.Type != "delivery.queued" || e.Data != "t1" || e.Time.IsZero() {
			t.Fatalf("filtered event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber got nothing")
	}
	if len(del) != 0 {
		t.Fatalf("filtered subscriber has %d extra events", len(del))
	}
	if len(all) != 2 {
		t.Fatalf("unfiltered subscriber has %d events, want 2", len(all))
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: "x"})
	}
	if b.Dropped() != 9 {
		t.Fatalf("Dropped = %d, want 9", b.Dropped())
	}
	unsub()
	unsub()
	b.Publish(Event{Type: "x"})
}
