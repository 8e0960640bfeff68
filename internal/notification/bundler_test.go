package notification

import (
	"context"
	"sync"
	"testing"
	"time"

	"pulse/internal/apperr"
	"pulse/internal/storage"
	logx "pulse/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*Bundler, *storage.Memory, *clock) {
	t.Helper()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	st := storage.NewMemory()
	st.SetClock(clk.Now)
	return New(st, 0, logx.Nop(), WithClock(clk.Now)), st, clk
}

func TestBundleWithinWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, st, clk := setup(t)

	first, err := b.CreateWithBundling(ctx, Input{Recipient: "bob", Sender: "alice", Type: "message", Content: "hi", Data: map[string]any{"a": 1}}, true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Bundled || first.Notification.Count != 1 || first.Notification.BundleKey != BundleKey("bob", "alice", "message") {
		t.Fatalf("first = %+v", first)
	}
	if _, err := b.MarkAsRead(ctx, "bob", first.Notification.ID); err != nil {
		t.Fatalf("MarkAsRead: %v", err)
	}

	clk.Advance(time.Second)
	second, err := b.CreateWithBundling(ctx, Input{Recipient: "bob", Sender: "alice", Type: "message", Content: "again", Data: map[string]any{"b": 2}}, true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !second.Bundled || second.Notification.ID != first.Notification.ID {
		t.Fatalf("second = %+v", second)
	}

	got, _ := st.FindNotification(ctx, first.Notification.ID)
	if got.Count != 2 || got.Read || got.ReadAt != nil || got.Content != "again" {
		t.Fatalf("bundled record = %+v", got)
	}
	if got.Data["a"] != 1 || got.Data["b"] != 2 {
		t.Fatalf("data not merged: %v", got.Data)
	}
	list, _ := st.ListNotifications(ctx, "bob", 0)
	if len(list) != 1 {
		t.Fatalf("records = %d, want 1", len(list))
	}
}

func TestWindowExceeded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, st, clk := setup(t)
	in := Input{Recipient: "bob", Sender: "alice", Type: "message", Content: "hi"}
	if _, err := b.CreateWithBundling(ctx, in, true); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Hour)
	res, err := b.CreateWithBundling(ctx, in, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Bundled {
		t.Fatal("window exceeded; must not bundle")
	}
	if list, _ := st.ListNotifications(ctx, "bob", 0); len(list) != 2 {
		t.Fatalf("records = %d, want 2", len(list))
	}
}

func TestNoBundling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cases := []struct {
		name   string
		in     Input
		bundle bool
	}{
		{"disabled", Input{Recipient: "bob", Sender: "alice", Type: "like"}, false},
		{"no sender", Input{Recipient: "bob", Type: "system"}, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b, st, _ := setup(t)
			for i := 0; i < 2; i++ {
				res, err := b.CreateWithBundling(ctx, tc.in, tc.bundle)
				if err != nil || res.Bundled {
					t.Fatalf("create %d = %+v, %v", i, res, err)
				}
			}
			if list, _ := st.ListNotifications(ctx, "bob", 0); len(list) != 2 {
				t.Fatalf("records = %d, want 2", len(list))
			}
		})
	}
}

func TestDifferentTypeOrSender(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, st, _ := setup(t)
	_, _ = b.CreateWithBundling(ctx, Input{Recipient: "bob", Sender: "alice", Type: "message"}, true)
	_, _ = b.CreateWithBundling(ctx, Input{Recipient: "bob", Sender: "alice", Type: "like"}, true)
	_, _ = b.CreateWithBundling(ctx, Input{Recipient: "bob", Sender: "carol", Type: "message"}, true)
	if list, _ := st.ListNotifications(ctx, "bob", 0); len(list) != 3 {
		t.Fatalf("records = %d, want 3", len(list))
	}
}

func TestChildIsNotBundleTarget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, _, clk := setup(t)
	parent, _ := b.CreateWithBundling(ctx, Input{Recipient: "bob", Sender: "alice", Type: "comment"}, true)
	// Drop the parent out of the window so only the child could match.
	clk.Advance(2 * time.Hour)
	_, _ = b.CreateWithBundling(ctx, Input{Recipient: "bob", Sender: "alice", Type: "comment", ParentNotification: parent.Notification.ID}, true)
	clk.Advance(time.Second)
	res, _ := b.CreateWithBundling(ctx, Input{Recipient: "bob", Sender: "alice", Type: "comment"}, true)
	if res.Bundled {
		t.Fatal("a bundle child must not be a bundle target")
	}
}

func TestMarkAsReadIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, _, _ := setup(t)
	res, _ := b.CreateWithBundling(ctx, Input{Recipient: "bob", Type: "system"}, true)
	if n, err := b.MarkAsRead(ctx, "bob", res.Notification.ID); err != nil || n != 1 {
		t.Fatalf("first MarkAsRead = %d, %v", n, err)
	}
	if n, err := b.MarkAsRead(ctx, "bob", res.Notification.ID); err != nil || n != 0 {
		t.Fatalf("second MarkAsRead = %d, %v", n, err)
	}
	if n, _ := b.MarkAsRead(ctx, "bob"); n != 0 {
		t.Fatal("no ids is a no-op")
	}
}

func TestValidation(t *testing.T) {
	t.Parallel()
	b, _, _ := setup(t)
	_, err := b.CreateWithBundling(context.Background(), Input{Type: "x"}, true)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestStoreErrorClassified(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	_ = st.Close()
	b := New(st, time.Hour, logx.Nop())
	_, err := b.CreateWithBundling(context.Background(), Input{Recipient: "bob", Sender: "a", Type: "x"}, true)
	if !apperr.Is(err, apperr.KindStore) {
		t.Fatalf("err = %v, want store", err)
	}
}

func TestBundleKeyStable(t *testing.T) {
	t.Parallel()
	if BundleKey("a", "b", "c") != BundleKey("a", "b", "c") {
		t.Fatal("BundleKey must be deterministic")
	}
	if BundleKey("ab", "", "c") == BundleKey("a", "b", "c") {
		t.Fatal("field boundaries must matter")
	}
}
