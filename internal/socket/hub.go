// Package socket is the realtime protocol layer: it authenticates websocket
// handshakes, tracks channels in the presence registry, routes events
// between users and acts as the delivery handler of the message queue.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"pulse/internal/apperr"
	"pulse/internal/auth"
	"pulse/internal/backoff"
	"pulse/internal/backplane"
	"pulse/internal/delivery"
	"pulse/internal/eventbus"
	"pulse/internal/notification"
	"pulse/internal/presence"
	"pulse/internal/registry"
	"pulse/internal/storage"
	logx "pulse/pkg/logx"
)

// Config defaults: ping_interval=25s, write_timeout=10s, send_buffer=64,
// event_rate=20/s, event_burst=40, max_frame_bytes=64KiB,
// inactivity_timeout=5m.
type Config struct {
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	EventRate         float64
	EventBurst        int
	MaxFrameBytes     int64
	InactivityTimeout time.Duration
	// AllowedOrigins lists accepted Origin values. Empty accepts any origin.
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.EventRate <= 0 {
		c.EventRate = 20
	}
	if c.EventBurst <= 0 {
		c.EventBurst = 40
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 << 10
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 5 * time.Minute
	}
	return c
}

// Limiters are the per-concern attempt limiters. Nil entries disable that
// check.
type Limiters struct {
	Connection *backoff.Limiter // keyed by remote IP
	Message    *backoff.Limiter // keyed by sender
	Call       *backoff.Limiter // keyed by caller
	Typing     *backoff.Limiter // keyed by sender
}

// All returns the non-nil limiters.
func (l Limiters) All() []*backoff.Limiter {
	out := make([]*backoff.Limiter, 0, 4)
	for _, x := range []*backoff.Limiter{l.Connection, l.Message, l.Call, l.Typing} {
		if x != nil {
			out = append(out, x)
		}
	}
	return out
}

type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (auth.Identity, error)
}

type Deps struct {
	Verifier TokenVerifier
	Presence *presence.Registry
	Queue    *delivery.Queue
	Bundler  *notification.Bundler
	Users    storage.UserStore
	Messages storage.MessageStore
	Limiters Limiters

	// Backplane relays events to users connected to other nodes. Optional.
	Backplane backplane.Backplane
	// Bus receives session, message and limiter events. Optional.
	Bus eventbus.Bus
}

type Option func(*Hub)

func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

type Hub struct {
	cfg Config
	log logx.Logger
	now func() time.Time

	verifier TokenVerifier
	presence *presence.Registry
	queue    *delivery.Queue
	bundler  *notification.Bundler
	users    storage.UserStore
	messages storage.MessageStore
	limiters Limiters
	bp       backplane.Backplane
	bus      eventbus.Bus

	upgrader websocket.Upgrader
	handlers map[string]handlerFunc

	// sent maps sender:tempMessageId to the ack of a stored message; a nil
	// ack marks a send still in flight.
	sent *registry.Registry[*MessageSent]

	inactivity atomic.Int64
	sweeping   atomic.Bool

	mu       sync.RWMutex
	sessions map[string]*session
	closing  bool
	ctx      context.Context
	cancel   context.CancelFunc
	unsubBP  func()
	drained  chan struct{}
}

// New builds the hub and binds it into its dependencies: it becomes the
// presence broadcaster and the queue's delivery handler, and an online
// transition starts draining that user's queue.
func New(cfg Config, deps Deps, log logx.Logger, opts ...Option) (*Hub, error) {
	if deps.Verifier == nil || deps.Presence == nil || deps.Queue == nil || deps.Users == nil || deps.Messages == nil {
		return nil, errors.New("socket: verifier, presence, queue, users and messages are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		verifier: deps.Verifier,
		presence: deps.Presence,
		queue:    deps.Queue,
		bundler:  deps.Bundler,
		users:    deps.Users,
		messages: deps.Messages,
		limiters: deps.Limiters,
		bp:       deps.Backplane,
		bus:      deps.Bus,
		sessions: map[string]*session{},
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(h)
	}
	h.inactivity.Store(int64(cfg.InactivityTimeout))
	h.sent = registry.New(registry.Options[*MessageSent]{MaxEntries: 100000, Now: h.now})
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{auth.ProtocolBearer},
		CheckOrigin:     h.checkOrigin,
	}
	h.handlers = h.routes()

	h.presence.SetBroadcaster(h)
	h.presence.OnTransition(h.onTransition)
	h.presence.OnDrop(h.onPresenceDrop)
	h.queue.SetHandler(h)

	if h.bp != nil {
		unsub, err := h.bp.Subscribe(h.onEnvelope)
		if err != nil {
			cancel()
			return nil, err
		}
		h.unsubBP = unsub
	}
	return h, nil
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// SetInactivityTimeout changes the idle threshold used by SweepInactive.
func (h *Hub) SetInactivityTimeout(d time.Duration) {
	if d > 0 {
		h.inactivity.Store(int64(d))
	}
}

func (h *Hub) InactivityTimeout() time.Duration { return time.Duration(h.inactivity.Load()) }

// Sessions returns the number of open local channels.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ServeHTTP authenticates the handshake, upgrades it and runs the channel
// until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	log := h.log.With(logx.String("ip", ip))

	if err := h.limit(h.limiters.Connection, ip); err != nil {
		h.reject(w, log, err)
		return
	}
	id, err := h.authenticate(r)
	if err != nil {
		h.reject(w, log, err)
		return
	}

	h.mu.RLock()
	closing := h.closing
	h.mu.RUnlock()
	if closing {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		log.Debug("upgrade failed", logx.Err(err))
		h.publish(BusSessionRejected, map[string]string{"reason": "upgrade"})
		return
	}
	h.run(conn, id, ip)
}

func (h *Hub) authenticate(r *http.Request) (auth.Identity, error) {
	tok, _, err := auth.ExtractToken(r)
	if err == nil {
		var id auth.Identity
		if id, err = h.verifier.Verify(r.Context(), tok); err == nil {
			return id, nil
		}
	}
	if reason := auth.ReasonOf(err); reason != "" {
		return auth.Identity{}, apperr.Auth(string(reason), reason.Message(), err)
	}
	return auth.Identity{}, apperr.Store(err)
}

func (h *Hub) reject(w http.ResponseWriter, log logx.Logger, err error) {
	ae := apperr.From(err)
	status := http.StatusInternalServerError
	switch ae.Kind {
	case apperr.KindAuthentication:
		status = http.StatusUnauthorized
	case apperr.KindRateLimit:
		status = http.StatusTooManyRequests
		if ae.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int((ae.RetryAfter+time.Second-1)/time.Second)))
		}
	default:
		log.Error("handshake failed", logx.Err(ae))
	}
	log.Debug("handshake rejected", logx.String("code", ae.Code), logx.Int("status", status))
	h.publish(BusSessionRejected, map[string]string{"reason": ae.Code})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorPayload{Code: ae.Code, Message: ae.Message, RetryAfterMs: retryMillis(ae.RetryAfter)})
}

func (h *Hub) run(conn *websocket.Conn, id auth.Identity, ip string) {
	channelID := uuid.NewString()
	ctx, cancel := context.WithCancel(h.ctx)
	s := &session{
		hub:    h,
		id:     channelID,
		user:   id,
		remote: ip,
		conn:   conn,
		log:    h.log.With(logx.String("user", id.UserID), logx.String("channel", channelID)),
		send:   make(chan []byte, h.cfg.SendBuffer),
		flood:  rate.NewLimiter(rate.Limit(h.cfg.EventRate), h.cfg.EventBurst),
		ctx:    ctx,
		cancel: cancel,
	}
	now := h.now()
	s.touch(now)

	// The welcome frame goes first so it precedes anything the online
	// transition flushes from the queue.
	s.emit(EventWelcome, Welcome{UserID: id.UserID, ChannelID: channelID, ServerTime: now})
	h.add(s)
	h.presence.Register(h.ctx, id.UserID, channelID, ip)
	h.publish(BusSessionOpened, map[string]string{"user": id.UserID, "channel": channelID})
	s.log.Debug("channel opened")

	go s.writePump()
	s.readPump()

	s.close(websocket.CloseNormalClosure, "")
	h.remove(s)
	res := h.presence.Unregister(context.Background(), id.UserID, channelID)
	h.publish(BusSessionClosed, map[string]any{"user": id.UserID, "channel": channelID, "last": res.WasLastChannel})
	s.log.Debug("channel closed", logx.String("reason", s.closeReason()), logx.Bool("last_channel", res.WasLastChannel))
}

func (h *Hub) add(s *session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
}

func (h *Hub) remove(s *session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	if h.closing && len(h.sessions) == 0 && h.drained != nil {
		close(h.drained)
		h.drained = nil
	}
	h.mu.Unlock()
}

func (h *Hub) session(channelID string) *session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[channelID]
}

// limit records an attempt on l and converts a refusal into a rate limit
// error carrying the remaining cooldown.
func (h *Hub) limit(l *backoff.Limiter, key string) error {
	if l == nil {
		return nil
	}
	res := l.RecordAttempt(key)
	if !res.Limited {
		return nil
	}
	h.publish(BusLimited, map[string]string{"limiter": l.Name(), "key": key})
	return apperr.RateLimited("rate_limited", res.CooldownRemaining)
}

func (h *Hub) publish(typ string, data any) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(eventbus.Event{Type: typ, Time: h.now(), Data: data})
}

// emitLocal writes a pre-encoded frame to every local channel of userID and
// returns how many accepted it.
func (h *Hub) emitLocal(userID string, frame []byte) int {
	n := 0
	for _, ch := range h.presence.ListChannels(userID) {
		if s := h.session(ch); s != nil && s.enqueue(frame) {
			n++
		}
	}
	return n
}

// EmitToUser sends event to every channel of userID on this node and relays
// it to the other nodes. It returns the number of local channels reached.
func (h *Hub) EmitToUser(ctx context.Context, userID, event string, data any) int {
	frame, err := encodeFrame(event, data)
	if err != nil {
		h.log.Error("encode frame failed", logx.String("event", event), logx.Err(err))
		return 0
	}
	n := h.emitLocal(userID, frame)
	h.relay(ctx, userEnvelope(userID, event), data)
	return n
}

// Broadcast sends event to every local channel except those of exclude and
// relays it to the other nodes.
func (h *Hub) Broadcast(ctx context.Context, event string, data any, exclude string) int {
	frame, err := encodeFrame(event, data)
	if err != nil {
		h.log.Error("encode frame failed", logx.String("event", event), logx.Err(err))
		return 0
	}
	n := h.broadcastLocal(frame, exclude)
	h.relay(ctx, backplane.Envelope{Kind: backplane.KindBroadcast, Exclude: exclude, Event: event}, data)
	return n
}

func (h *Hub) broadcastLocal(frame []byte, exclude string) int {
	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		if s.user.UserID != exclude {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()
	n := 0
	for _, s := range targets {
		if s.enqueue(frame) {
			n++
		}
	}
	return n
}

func (h *Hub) relay(ctx context.Context, env backplane.Envelope, data any) {
	if h.bp == nil {
		return
	}
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	env.Data = b
	if err := h.bp.Publish(ctx, env); err != nil {
		h.log.Warn("backplane publish failed", logx.String("event", env.Event), logx.Err(err))
	}
}

func userEnvelope(userID, event string) backplane.Envelope {
	return backplane.Envelope{Kind: backplane.KindUser, UserID: userID, Event: event}
}

func (h *Hub) onEnvelope(env backplane.Envelope) {
	frame, err := encodeFrame(env.Event, env.Data)
	if err != nil {
		return
	}
	switch env.Kind {
	case backplane.KindUser:
		h.emitLocal(env.UserID, frame)
	case backplane.KindBroadcast:
		h.broadcastLocal(frame, env.Exclude)
	}
}

// BroadcastPresence announces an online or offline transition to everyone
// else. The presence registry has already applied the privacy preference.
func (h *Hub) BroadcastPresence(ctx context.Context, t presence.Transition) {
	event := EventUserOffline
	if t.Online {
		event = EventUserOnline
	}
	h.Broadcast(ctx, event, PresenceChange{UserID: t.UserID, Timestamp: t.At}, t.UserID)
}

func (h *Hub) onTransition(_ context.Context, t presence.Transition) {
	if t.Online {
		h.queue.Process(t.UserID)
	}
}

// onPresenceDrop closes a channel whose presence record expired or was
// evicted, so the client reconnects instead of looking offline while open.
func (h *Hub) onPresenceDrop(c presence.Connection) {
	s := h.session(c.ChannelID)
	if s == nil {
		return
	}
	s.log.Info("closing channel dropped from presence")
	s.close(websocket.CloseTryAgainLater, "presence expired")
}

// Deliver implements delivery.Handler. A recipient without a local channel
// pauses its queue instead of burning an attempt.
func (h *Hub) Deliver(ctx context.Context, it delivery.Item) error {
	if !h.presence.IsOnline(it.RecipientID) {
		return delivery.ErrRecipientUnavailable
	}
	event := it.Meta[delivery.MetaEvent]
	if event == "" {
		event = EventMessageReceived
	}
	frame, err := encodeFrame(event, it.Payload)
	if err != nil {
		return err
	}
	if h.emitLocal(it.RecipientID, frame) == 0 {
		return delivery.ErrRecipientUnavailable
	}
	if id := it.Meta[metaMessageID]; id != "" {
		if _, err := h.messages.UpdateMessageStatus(ctx, []string{id}, storage.MessageDelivered); err != nil {
			h.log.Warn("mark delivered failed", logx.String("message", id), logx.Err(err))
		}
	}
	return nil
}

// SweepInactive closes channels with no inbound event for longer than the
// inactivity timeout. Concurrent calls return 0 immediately.
func (h *Hub) SweepInactive() int {
	if !h.sweeping.CompareAndSwap(false, true) {
		return 0
	}
	defer h.sweeping.Store(false)

	now := h.now()
	limit := h.InactivityTimeout()
	h.mu.RLock()
	var idle []*session
	for _, s := range h.sessions {
		if s.idleFor(now) > limit {
			idle = append(idle, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range idle {
		s.log.Info("closing inactive channel", logx.Duration("idle", s.idleFor(now)))
		s.close(websocket.ClosePolicyViolation, "inactive")
	}
	return len(idle)
}

// Cleanup drops expired send acks.
func (h *Hub) Cleanup() int { return h.sent.Cleanup() }

// Accepting reports whether new handshakes are admitted.
func (h *Hub) Accepting() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.closing
}

// Close refuses new handshakes, closes every channel and waits for their
// cleanup until ctx is done.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return nil
	}
	h.closing = true
	done := make(chan struct{})
	if len(h.sessions) == 0 {
		close(done)
	} else {
		h.drained = done
	}
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	unsub := h.unsubBP
	h.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, s := range targets {
		s.close(websocket.CloseGoingAway, "server shutting down")
	}
	defer h.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
