// Package presence tracks which users are reachable over a live channel.
//
// A user is ONLINE while at least one channel is registered for them. The
// first register and the last unregister are transitions: they persist the
// user's status and, when the user's privacy preference allows it, broadcast
// a presence event. Reconcile repairs persisted "online" flags left behind by
// crashes or hard network drops.
package presence

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pulse/internal/eventbus"
	"pulse/internal/registry"
	"pulse/internal/storage"
	logx "pulse/pkg/logx"
)

const (
	EventOnline     = "presence.online"
	EventOffline    = "presence.offline"
	EventReconciled = "presence.reconciled"
)

// Transition is an OFFLINE<->ONLINE change for one user.
type Transition struct {
	UserID string
	Online bool
	At     time.Time
}

// Broadcaster announces transitions to other users. It is only called when
// the user's privacy preference allows it.
type Broadcaster interface {
	BroadcastPresence(ctx context.Context, t Transition)
}

// Connection is the record kept for one live channel.
type Connection struct {
	UserID         string
	ChannelID      string
	RemoteAddr     string
	ConnectedAt    time.Time
	LastActivityAt time.Time
}

// Config defaults: stale_after=10m, max_connections=100000, idle_ttl=24h.
type Config struct {
	// StaleAfter is how old a persisted last-activity must be before
	// reconciliation treats an unregistered "online" user as a ghost.
	StaleAfter time.Duration
	// MaxConnections caps connection records; the least recently active is
	// dropped (and unregistered) under pressure.
	MaxConnections int
	// IdleTTL drops connection records that saw no activity for this long.
	IdleTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 100000
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 24 * time.Hour
	}
	return c
}

type Registry struct {
	cfg   Config
	store storage.UserStore
	bcast Broadcaster
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	mu    sync.Mutex
	users map[string]map[string]struct{}
	conns *registry.Registry[Connection]

	lmu       sync.RWMutex
	listeners []func(context.Context, Transition)
	dropped   []func(Connection)

	reconciling atomic.Bool
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithBus(bus eventbus.Bus) Option { return func(r *Registry) { r.bus = bus } }

func New(cfg Config, store storage.UserStore, bcast Broadcaster, log logx.Logger, opts ...Option) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{
		cfg:   cfg.withDefaults(),
		store: store,
		bcast: bcast,
		log:   log,
		now:   time.Now,
		users: map[string]map[string]struct{}{},
	}
	for _, o := range opts {
		o(r)
	}
	r.conns = registry.New(registry.Options[Connection]{
		MaxEntries: r.cfg.MaxConnections,
		DefaultTTL: r.cfg.IdleTTL,
		Now:        r.now,
		OnRemove:   r.onConnectionRemoved,
	})
	return r
}

// SetBroadcaster wires the broadcaster after construction; the socket hub
// and the registry depend on each other.
func (r *Registry) SetBroadcaster(b Broadcaster) {
	r.lmu.Lock()
	r.bcast = b
	r.lmu.Unlock()
}

// OnTransition registers fn to run after every ONLINE/OFFLINE transition.
func (r *Registry) OnTransition(fn func(context.Context, Transition)) {
	if fn == nil {
		return
	}
	r.lmu.Lock()
	r.listeners = append(r.listeners, fn)
	r.lmu.Unlock()
}

// OnDrop registers fn to run when a connection record expires or is evicted
// while its channel may still be open. The owner of the channel should close
// it, since the user no longer counts as reachable over it.
func (r *Registry) OnDrop(fn func(Connection)) {
	if fn == nil {
		return
	}
	r.lmu.Lock()
	r.dropped = append(r.dropped, fn)
	r.lmu.Unlock()
}

// Register adds channelID to userID's live channels and reports whether this
// was the OFFLINE->ONLINE transition.
func (r *Registry) Register(ctx context.Context, userID, channelID, remoteAddr string) bool {
	now := r.now()
	r.conns.Set(channelID, Connection{
		UserID:         userID,
		ChannelID:      channelID,
		RemoteAddr:     remoteAddr,
		ConnectedAt:    now,
		LastActivityAt: now,
	})

	r.mu.Lock()
	set := r.users[userID]
	first := len(set) == 0
	if set == nil {
		set = map[string]struct{}{}
		r.users[userID] = set
	}
	set[channelID] = struct{}{}
	r.mu.Unlock()

	if err := r.store.UpdateOnlineStatus(ctx, userID, storage.OnlineStatus{
		IsOnline:    true,
		LastActive:  now,
		LastLoginIP: remoteAddr,
	}); err != nil {
		r.log.Warn("persist online status failed", logx.String("user", userID), logx.Err(err))
	}

	if first {
		r.transition(ctx, Transition{UserID: userID, Online: true, At: now})
	}
	return first
}

// UnregisterResult describes the effect of Unregister.
type UnregisterResult struct {
	// Known is false when channelID was not registered for userID.
	Known          bool
	WasLastChannel bool
}

// Unregister removes channelID from userID's live channels. When it was the
// last one the user goes OFFLINE.
func (r *Registry) Unregister(ctx context.Context, userID, channelID string) UnregisterResult {
	r.conns.Delete(channelID)
	return r.drop(ctx, userID, channelID)
}

func (r *Registry) drop(ctx context.Context, userID, channelID string) UnregisterResult {
	r.mu.Lock()
	set := r.users[userID]
	if _, ok := set[channelID]; !ok {
		r.mu.Unlock()
		return UnregisterResult{}
	}
	delete(set, channelID)
	last := len(set) == 0
	if last {
		delete(r.users, userID)
	}
	r.mu.Unlock()

	if !last {
		return UnregisterResult{Known: true}
	}
	now := r.now()
	if err := r.store.UpdateOnlineStatus(ctx, userID, storage.OnlineStatus{IsOnline: false, LastActive: now}); err != nil {
		r.log.Warn("persist offline status failed", logx.String("user", userID), logx.Err(err))
	}
	r.transition(ctx, Transition{UserID: userID, Online: false, At: now})
	return UnregisterResult{Known: true, WasLastChannel: true}
}

// onConnectionRemoved keeps the user map in line with connection records
// that expire or are evicted under size pressure.
func (r *Registry) onConnectionRemoved(channelID string, c Connection, reason registry.Reason) {
	if reason != registry.ReasonExpired && reason != registry.ReasonEvicted {
		return
	}
	r.log.Debug("connection record dropped", logx.String("channel", channelID), logx.String("user", c.UserID), logx.String("reason", reason.String()))
	r.drop(context.Background(), c.UserID, channelID)

	r.lmu.RLock()
	fns := append(([]func(Connection))(nil), r.dropped...)
	r.lmu.RUnlock()
	for _, fn := range fns {
		fn(c)
	}
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users[userID]) > 0
}

// ListChannels returns userID's live channel ids in sorted order.
func (r *Registry) ListChannels(userID string) []string {
	r.mu.Lock()
	set := r.users[userID]
	out := make([]string, 0, len(set))
	for ch := range set {
		out = append(out, ch)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// Touch refreshes the activity marker of a channel.
func (r *Registry) Touch(channelID string) {
	now := r.now()
	r.conns.Update(channelID, func(c Connection, ok bool) (Connection, bool) {
		if !ok {
			return c, false
		}
		c.LastActivityAt = now
		return c, true
	})
}

func (r *Registry) Connection(channelID string) (Connection, bool) {
	return r.conns.Peek(channelID)
}

// OnlineUsers returns locally online users in sorted order.
func (r *Registry) OnlineUsers() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

type Stats struct {
	Users    int
	Channels int
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{Users: len(r.users)}
	for _, set := range r.users {
		st.Channels += len(set)
	}
	return st
}

// Cleanup drops idle connection records.
func (r *Registry) Cleanup() int { return r.conns.Cleanup() }

// FlushActivity persists last-activity for every locally online user so that
// reconciliation elsewhere does not mistake them for ghosts.
func (r *Registry) FlushActivity(ctx context.Context) error {
	ids := r.OnlineUsers()
	if len(ids) == 0 {
		return nil
	}
	return r.store.TouchActivity(ctx, ids, r.now())
}

// Reconcile forces OFFLINE every user persisted as online that has no local
// channel and whose last activity is older than StaleAfter. It returns the
// number of users repaired. Concurrent calls return immediately.
func (r *Registry) Reconcile(ctx context.Context) (int, error) {
	if !r.reconciling.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer r.reconciling.Store(false)

	users, err := r.store.ListOnlineUsers(ctx)
	if err != nil {
		return 0, err
	}
	now := r.now()
	cutoff := now.Add(-r.cfg.StaleAfter)
	repaired := 0
	for _, u := range users {
		if ctx.Err() != nil {
			return repaired, ctx.Err()
		}
		if r.IsOnline(u.ID) || u.LastActive.After(cutoff) {
			continue
		}
		if err := r.store.UpdateOnlineStatus(ctx, u.ID, storage.OnlineStatus{IsOnline: false}); err != nil {
			r.log.Warn("reconcile: persist offline failed", logx.String("user", u.ID), logx.Err(err))
			continue
		}
		repaired++
		r.log.Info("reconcile: ghost user forced offline",
			logx.String("user", u.ID), logx.Time("last_active", u.LastActive))
		t := Transition{UserID: u.ID, Online: false, At: now}
		r.publish(EventReconciled, t)
		if u.ShowOnlineStatus {
			r.broadcast(ctx, t)
		}
	}
	return repaired, nil
}

func (r *Registry) transition(ctx context.Context, t Transition) {
	typ := EventOffline
	if t.Online {
		typ = EventOnline
	}
	r.publish(typ, t)

	r.lmu.RLock()
	ls := append([]func(context.Context, Transition){}, r.listeners...)
	r.lmu.RUnlock()
	for _, fn := range ls {
		r.safeCall(func() { fn(ctx, t) })
	}

	pref, err := r.store.GetPrivacyPreference(ctx, t.UserID)
	if err != nil {
		// Without a preference we cannot know the user accepts being shown.
		r.log.Warn("privacy lookup failed; presence not broadcast", logx.String("user", t.UserID), logx.Err(err))
		return
	}
	if pref.ShowOnlineStatus {
		r.broadcast(ctx, t)
	}
}

func (r *Registry) broadcast(ctx context.Context, t Transition) {
	r.lmu.RLock()
	b := r.bcast
	r.lmu.RUnlock()
	if b == nil {
		return
	}
	r.safeCall(func() { b.BroadcastPresence(ctx, t) })
}

func (r *Registry) publish(typ string, t Transition) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: t.At, Data: t})
}

func (r *Registry) safeCall(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("presence hook panicked", logx.Any("panic", p))
		}
	}()
	fn()
}
