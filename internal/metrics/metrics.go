// Package metrics turns bus events and component snapshots into
// OpenTelemetry instruments. The process installs the meter provider; with
// none installed the global no-op provider is used.
package metrics

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pulse/internal/delivery"
	"pulse/internal/eventbus"
	"pulse/internal/notification"
	logx "pulse/pkg/logx"
)

// Gauges is a point-in-time view of the live components.
type Gauges struct {
	Users           int
	Channels        int
	Sessions        int
	QueueRecipients int
	QueuePending    int
	QueueProcessing int
	Statuses        int
	BusDropped      uint64
}

// counters maps bus event types to their dedicated counter. The session,
// message and limiter events are published by the socket layer.
var counters = []struct {
	event string
	name  string
	desc  string
}{
	{"session.opened", "pulse.connections.accepted", "Accepted socket connections"},
	{"session.rejected", "pulse.connections.rejected", "Refused socket handshakes"},
	{"message.sent", "pulse.messages.sent", "Messages accepted from senders"},
	{delivery.EventDelivered, "pulse.delivery.delivered", "Queued messages delivered"},
	{delivery.EventFailed, "pulse.delivery.failed", "Queued messages dropped after the last attempt"},
	{notification.EventCreated, "pulse.notifications.created", "Notification records created"},
	{notification.EventBundled, "pulse.notifications.bundled", "Notifications merged into a bundle"},
	{"limiter.limited", "pulse.limiter.limited", "Operations refused by a limiter"},
}

type Recorder struct {
	log     logx.Logger
	meter   metric.Meter
	events  metric.Int64Counter
	named   map[string]metric.Int64Counter
	evicted metric.Int64Counter

	users, channels, sessions  metric.Int64ObservableGauge
	pending, processing, stats metric.Int64ObservableGauge

	mu     sync.Mutex
	counts map[string]uint64
	source func() Gauges
	reg    metric.Registration
}

func New(meter metric.Meter, log logx.Logger) (*Recorder, error) {
	if meter == nil {
		meter = otel.Meter("pulse")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Recorder{log: log, meter: meter, counts: map[string]uint64{}, named: map[string]metric.Int64Counter{}}

	var err error
	if r.events, err = meter.Int64Counter("pulse.events",
		metric.WithDescription("Lifecycle events by type")); err != nil {
		return nil, err
	}
	for _, c := range counters {
		ctr, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		r.named[c.event] = ctr
	}
	if r.evicted, err = meter.Int64Counter("pulse.delivery.evicted",
		metric.WithDescription("Queued messages evicted by the capacity policy")); err != nil {
		return nil, err
	}
	gauges := []struct {
		dst  *metric.Int64ObservableGauge
		name string
		desc string
	}{
		{&r.users, "pulse.presence.users", "Users with at least one local channel"},
		{&r.channels, "pulse.presence.channels", "Registered local channels"},
		{&r.sessions, "pulse.sessions", "Open socket sessions"},
		{&r.pending, "pulse.delivery.pending", "Queued deliveries"},
		{&r.processing, "pulse.delivery.processing", "Recipients with a running processor"},
		{&r.stats, "pulse.delivery.statuses", "Tracked delivery statuses"},
	}
	for _, g := range gauges {
		if *g.dst, err = meter.Int64ObservableGauge(g.name, metric.WithDescription(g.desc)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe sets the gauge source. It is read on every collection and by
// LogSnapshot.
func (r *Recorder) Observe(fn func() Gauges) error {
	reg, err := r.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		g := fn()
		o.ObserveInt64(r.users, int64(g.Users))
		o.ObserveInt64(r.channels, int64(g.Channels))
		o.ObserveInt64(r.sessions, int64(g.Sessions))
		o.ObserveInt64(r.pending, int64(g.QueuePending))
		o.ObserveInt64(r.processing, int64(g.QueueProcessing))
		o.ObserveInt64(r.stats, int64(g.Statuses))
		return nil
	}, r.users, r.channels, r.sessions, r.pending, r.processing, r.stats)
	if err != nil {
		return err
	}
	r.mu.Lock()
	old := r.reg
	r.reg = reg
	r.source = fn
	r.mu.Unlock()
	if old != nil {
		_ = old.Unregister()
	}
	return nil
}

// Run counts bus events until ctx is done.
func (r *Recorder) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			r.Count(ctx, e)
		}
	}
}

func (r *Recorder) Count(ctx context.Context, e eventbus.Event) {
	r.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", e.Type),
		attribute.String("component", component(e.Type)),
	))
	typ := e.Type
	if st, ok := e.Data.(delivery.Status); ok && typ == delivery.EventFailed && st.Reason == delivery.ReasonEvicted {
		r.evicted.Add(ctx, 1)
		typ = "delivery.evicted"
	} else if ctr, ok := r.named[typ]; ok {
		ctr.Add(ctx, 1)
	}
	r.mu.Lock()
	r.counts[typ]++
	r.mu.Unlock()
}

func component(typ string) string {
	if c, _, ok := strings.Cut(typ, "."); ok {
		return c
	}
	return typ
}

// Counts returns the event totals seen so far.
func (r *Recorder) Counts() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// LogSnapshot writes the current gauges and event totals to the log.
func (r *Recorder) LogSnapshot(context.Context) error {
	r.mu.Lock()
	src := r.source
	r.mu.Unlock()

	fields := []logx.Field{}
	if src != nil {
		g := src()
		fields = append(fields,
			logx.Int("users", g.Users),
			logx.Int("channels", g.Channels),
			logx.Int("sessions", g.Sessions),
			logx.Int("queue_recipients", g.QueueRecipients),
			logx.Int("queue_pending", g.QueuePending),
			logx.Int("queue_processing", g.QueueProcessing),
			logx.Int("statuses", g.Statuses),
			logx.Uint64("bus_dropped", g.BusDropped),
		)
	}
	counts := r.Counts()
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, logx.Uint64(k, counts[k]))
	}
	r.log.Info("metrics snapshot", fields...)
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	reg := r.reg
	r.reg = nil
	r.mu.Unlock()
	if reg == nil {
		return nil
	}
	return reg.Unregister()
}
