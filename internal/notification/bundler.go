// Package notification creates notification records, merging a burst of
// similar notifications into one record whose count grows.
package notification

import (
	"context"
	"fmt"
	"hash/fnv"
	"maps"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"pulse/internal/apperr"
	"pulse/internal/eventbus"
	"pulse/internal/storage"
	logx "pulse/pkg/logx"
)

const DefaultWindow = time.Hour

const (
	EventCreated = "notification.created"
	EventBundled = "notification.bundled"
	EventRead    = "notification.read"
)

// Input describes a notification to create.
type Input struct {
	Recipient          string
	Sender             string
	Type               string
	Content            string
	Data               map[string]any
	ParentNotification string
}

// Result is the persisted record and whether it was merged into an
// existing one.
type Result struct {
	Notification storage.Notification
	Bundled      bool
}

// BundleKey derives the stable key shared by all notifications that may
// merge with each other.
func BundleKey(recipient, sender, typ string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(recipient))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(sender))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(typ))
	return strconv.FormatUint(h.Sum64(), 16)
}

// Bundler writes notification records through the store.
//
// Two concurrent calls that both miss an existing target each create a
// record. A duplicate is preferred over a lost notification.
type Bundler struct {
	store  storage.NotificationStore
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time
	window atomic.Int64
}

type Option func(*Bundler)

func WithClock(now func() time.Time) Option {
	return func(b *Bundler) {
		if now != nil {
			b.now = now
		}
	}
}

func WithBus(bus eventbus.Bus) Option { return func(b *Bundler) { b.bus = bus } }

func New(store storage.NotificationStore, window time.Duration, log logx.Logger, opts ...Option) *Bundler {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bundler{store: store, log: log, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	b.SetWindow(window)
	return b
}

// SetWindow changes the bundling window; <=0 restores the default.
func (b *Bundler) SetWindow(d time.Duration) {
	if d <= 0 {
		d = DefaultWindow
	}
	b.window.Store(int64(d))
}

func (b *Bundler) Window() time.Duration { return time.Duration(b.window.Load()) }

// CreateWithBundling stores in, merging it into the most recent top-level
// record with the same recipient, sender and type created within the
// window. Bundling is skipped when disabled, when there is no sender and
// for records that are themselves children of another notification.
func (b *Bundler) CreateWithBundling(ctx context.Context, in Input, bundle bool) (Result, error) {
	in.Recipient = strings.TrimSpace(in.Recipient)
	in.Type = strings.TrimSpace(in.Type)
	if in.Recipient == "" {
		return Result{}, apperr.Invalid("invalid_recipient", "notification recipient is required")
	}
	if in.Type == "" {
		return Result{}, apperr.Invalid("invalid_type", "notification type is required")
	}

	now := b.now()
	if bundle && in.Sender != "" && in.ParentNotification == "" {
		since := now.Add(-b.Window())
		target, ok, err := b.store.FindBundleTarget(ctx, in.Recipient, in.Sender, in.Type, since)
		if err != nil {
			return Result{}, apperr.Store(fmt.Errorf("find bundle target: %w", err))
		}
		if ok {
			return b.merge(ctx, target, in, now)
		}
	}

	n := storage.Notification{
		Recipient:          in.Recipient,
		Sender:             in.Sender,
		Type:               in.Type,
		Content:            in.Content,
		Data:               maps.Clone(in.Data),
		Count:              1,
		ParentNotification: in.ParentNotification,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if in.Sender != "" {
		n.BundleKey = BundleKey(in.Recipient, in.Sender, in.Type)
	}
	created, err := b.store.CreateNotification(ctx, n)
	if err != nil {
		return Result{}, apperr.Store(fmt.Errorf("create notification: %w", err))
	}
	b.publish(EventCreated, now, created)
	return Result{Notification: created}, nil
}

func (b *Bundler) merge(ctx context.Context, n storage.Notification, in Input, now time.Time) (Result, error) {
	n.Count++
	n.Read = false
	n.ReadAt = nil
	if in.Content != "" {
		n.Content = in.Content
	}
	if len(in.Data) > 0 {
		if n.Data == nil {
			n.Data = make(map[string]any, len(in.Data))
		}
		maps.Copy(n.Data, in.Data)
	}
	if n.BundleKey == "" {
		n.BundleKey = BundleKey(n.Recipient, n.Sender, n.Type)
	}
	n.UpdatedAt = now
	if err := b.store.UpdateNotification(ctx, n); err != nil {
		return Result{}, apperr.Store(fmt.Errorf("update notification: %w", err))
	}
	b.log.Debug("notification bundled", logx.String("id", n.ID), logx.Int("count", n.Count))
	b.publish(EventBundled, now, n)
	return Result{Notification: n, Bundled: true}, nil
}

// MarkAsRead marks recipient's notifications read and returns how many
// changed. Already-read and foreign ids are ignored.
func (b *Bundler) MarkAsRead(ctx context.Context, recipient string, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := b.now()
	n, err := b.store.MarkNotificationsRead(ctx, recipient, ids, now)
	if err != nil {
		return 0, apperr.Store(fmt.Errorf("mark notifications read: %w", err))
	}
	if n > 0 {
		b.publish(EventRead, now, ids)
	}
	return n, nil
}

func (b *Bundler) publish(typ string, at time.Time, data any) {
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: data})
	}
}
