package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pulse/internal/storage"
	logx "pulse/pkg/logx"
)

type recorder struct {
	mu  sync.Mutex
	got []Transition
}

func (r *recorder) BroadcastPresence(_ context.Context, t Transition) {
	r.mu.Lock()
	r.got = append(r.got, t)
	r.mu.Unlock()
}

func (r *recorder) list() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transition(nil), r.got...)
}

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

func setup(t *testing.T, cfg Config, users ...storage.User) (*Registry, *storage.Memory, *recorder, *clock) {
	t.Helper()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	st := storage.NewMemory()
	st.SetClock(clk.Now)
	for _, u := range users {
		if err := st.PutUser(context.Background(), u); err != nil {
			t.Fatalf("PutUser: %v", err)
		}
	}
	rec := &recorder{}
	return New(cfg, st, rec, logx.Nop(), WithClock(clk.Now)), st, rec, clk
}

func TestRegisterTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, st, rec, _ := setup(t, Config{}, storage.User{ID: "alice", ShowOnlineStatus: true})

	if !r.Register(ctx, "alice", "c1", "10.0.0.1") {
		t.Fatal("first register must be a transition")
	}
	if r.Register(ctx, "alice", "c2", "10.0.0.2") {
		t.Fatal("second register must not be a transition")
	}
	if !r.IsOnline("alice") {
		t.Fatal("alice should be online")
	}
	if got := r.ListChannels("alice"); len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Fatalf("channels = %v", got)
	}
	u, _ := st.FindUser(ctx, "alice")
	if !u.IsOnline || u.LastLoginIP != "10.0.0.2" {
		t.Fatalf("persisted = %+v", u)
	}

	res := r.Unregister(ctx, "alice", "c1")
	if !res.Known || res.WasLastChannel {
		t.Fatalf("unregister c1 = %+v", res)
	}
	if !r.IsOnline("alice") {
		t.Fatal("alice still has c2")
	}
	res = r.Unregister(ctx, "alice", "c2")
	if !res.WasLastChannel {
		t.Fatalf("unregister c2 = %+v", res)
	}
	if r.IsOnline("alice") || len(r.ListChannels("alice")) != 0 {
		t.Fatal("alice should be offline with no channels")
	}
	u, _ = st.FindUser(ctx, "alice")
	if u.IsOnline {
		t.Fatal("offline not persisted")
	}

	got := rec.list()
	if len(got) != 2 || !got[0].Online || got[1].Online {
		t.Fatalf("broadcasts = %+v", got)
	}
}

func TestUnregisterUnknown(t *testing.T) {
	t.Parallel()
	r, _, rec, _ := setup(t, Config{}, storage.User{ID: "alice", ShowOnlineStatus: true})
	res := r.Unregister(context.Background(), "alice", "nope")
	if res.Known || res.WasLastChannel {
		t.Fatalf("unknown unregister = %+v", res)
	}
	if len(rec.list()) != 0 {
		t.Fatal("no broadcast expected")
	}
}

func TestPrivacyGatesBroadcast(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _, rec, _ := setup(t, Config{}, storage.User{ID: "shy", ShowOnlineStatus: false})

	var transitions int
	r.OnTransition(func(context.Context, Transition) { transitions++ })

	r.Register(ctx, "shy", "c1", "")
	r.Unregister(ctx, "shy", "c1")
	if len(rec.list()) != 0 {
		t.Fatalf("hidden user broadcast: %+v", rec.list())
	}
	if transitions != 2 {
		t.Fatalf("listeners saw %d transitions, want 2", transitions)
	}
}

func TestPrivacyLookupFailureSuppresses(t *testing.T) {
	t.Parallel()
	// No user row: the preference lookup fails and nothing is broadcast.
	r, _, rec, _ := setup(t, Config{})
	r.Register(context.Background(), "ghost", "c1", "")
	if !r.IsOnline("ghost") {
		t.Fatal("registration must not depend on the store")
	}
	if len(rec.list()) != 0 {
		t.Fatal("broadcast without a readable preference")
	}
}

func TestTouchAndIdleExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _, rec, clk := setup(t, Config{IdleTTL: time.Minute}, storage.User{ID: "alice", ShowOnlineStatus: true})

	r.Register(ctx, "alice", "c1", "")
	clk.Advance(45 * time.Second)
	r.Touch("c1")
	clk.Advance(45 * time.Second)
	if n := r.Cleanup(); n != 0 {
		t.Fatalf("touched record cleaned: %d", n)
	}
	c, ok := r.Connection("c1")
	if !ok || !c.LastActivityAt.Equal(clk.Now().Add(-45*time.Second)) {
		t.Fatalf("connection = %+v, %v", c, ok)
	}

	clk.Advance(2 * time.Minute)
	if n := r.Cleanup(); n != 1 {
		t.Fatalf("Cleanup = %d, want 1", n)
	}
	if r.IsOnline("alice") {
		t.Fatal("expired connection must unregister the user")
	}
	if got := rec.list(); len(got) != 2 || got[1].Online {
		t.Fatalf("broadcasts = %+v", got)
	}
}

func TestEvictionUnregisters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _, _, _ := setup(t, Config{MaxConnections: 2}, storage.User{ID: "a"}, storage.User{ID: "b"}, storage.User{ID: "c"})
	var mu sync.Mutex
	var dropped []Connection
	r.OnDrop(func(c Connection) {
		mu.Lock()
		dropped = append(dropped, c)
		mu.Unlock()
	})
	r.Register(ctx, "a", "ca", "")
	r.Register(ctx, "b", "cb", "")
	r.Register(ctx, "c", "cc", "")
	if r.IsOnline("a") {
		t.Fatal("least recent connection should have been evicted")
	}
	if st := r.Stats(); st.Users != 2 || st.Channels != 2 {
		t.Fatalf("stats = %+v", st)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 1 || dropped[0].ChannelID != "ca" || dropped[0].UserID != "a" {
		t.Fatalf("dropped = %+v, want the evicted ca record", dropped)
	}
	if res := r.Unregister(ctx, "a", "ca"); res.Known {
		t.Fatal("unregister after eviction must be a no-op")
	}
}

func TestReconcile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, st, rec, clk := setup(t, Config{StaleAfter: 10 * time.Minute},
		storage.User{ID: "ghost", ShowOnlineStatus: true},
		storage.User{ID: "hidden"},
		storage.User{ID: "remote", ShowOnlineStatus: true},
		storage.User{ID: "local", ShowOnlineStatus: true},
	)
	old := clk.Now().Add(-time.Hour)
	_ = st.UpdateOnlineStatus(ctx, "ghost", storage.OnlineStatus{IsOnline: true, LastActive: old})
	_ = st.UpdateOnlineStatus(ctx, "hidden", storage.OnlineStatus{IsOnline: true, LastActive: old})
	_ = st.UpdateOnlineStatus(ctx, "remote", storage.OnlineStatus{IsOnline: true, LastActive: clk.Now().Add(-time.Minute)})
	_ = st.UpdateOnlineStatus(ctx, "local", storage.OnlineStatus{IsOnline: true, LastActive: old})
	r.Register(ctx, "local", "c1", "")
	// Registration refreshes last-activity; make it stale again.
	_ = st.UpdateOnlineStatus(ctx, "local", storage.OnlineStatus{IsOnline: true, LastActive: old})
	before := len(rec.list())

	n, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if n != 2 {
		t.Fatalf("repaired %d, want 2", n)
	}
	for id, want := range map[string]bool{"ghost": false, "hidden": false, "remote": true, "local": true} {
		u, _ := st.FindUser(ctx, id)
		if u.IsOnline != want {
			t.Errorf("%s online = %v, want %v", id, u.IsOnline, want)
		}
	}
	got := rec.list()[before:]
	if len(got) != 1 || got[0].UserID != "ghost" || got[0].Online {
		t.Fatalf("reconcile broadcasts = %+v", got)
	}
}

type failingStore struct{ storage.UserStore }

func (failingStore) ListOnlineUsers(context.Context) ([]storage.User, error) {
	return nil, errors.New("db down")
}

func TestReconcileStoreError(t *testing.T) {
	t.Parallel()
	r := New(Config{}, failingStore{storage.NewMemory()}, nil, logx.Nop())
	if _, err := r.Reconcile(context.Background()); err == nil {
		t.Fatal("expected store error")
	}
}

func TestFlushActivity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, st, _, clk := setup(t, Config{}, storage.User{ID: "alice"}, storage.User{ID: "bob"})
	r.Register(ctx, "alice", "c1", "")
	clk.Advance(5 * time.Minute)
	if err := r.FlushActivity(ctx); err != nil {
		t.Fatalf("FlushActivity: %v", err)
	}
	a, _ := st.FindUser(ctx, "alice")
	b, _ := st.FindUser(ctx, "bob")
	if !a.LastActive.Equal(clk.Now()) || !b.LastActive.IsZero() {
		t.Fatalf("alice=%v bob=%v", a.LastActive, b.LastActive)
	}
}

func TestConcurrentRegister(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _, _, _ := setup(t, Config{}, storage.User{ID: "alice"})
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		first int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r.Register(ctx, "alice", string(rune('a'+i)), "") {
				mu.Lock()
				first++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if first != 1 {
		t.Fatalf("%d registrations reported the transition, want 1", first)
	}
	if n := len(r.ListChannels("alice")); n != 20 {
		t.Fatalf("channels = %d", n)
	}
}
