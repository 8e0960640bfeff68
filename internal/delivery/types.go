// Package delivery holds messages for recipients that have no live channel
// and delivers them, in priority order, once the recipient is reachable.
//
// This is a soft-real-time layer: queues live in memory only, an item is
// retried a bounded number of times and then dropped with a terminal
// "failed" status.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrQueueFull = errors.New("delivery: queue full")
	// ErrRecipientUnavailable is returned by a Handler when the recipient
	// has no live channel. The attempt is not counted and processing stops
	// until the recipient connects again.
	ErrRecipientUnavailable = errors.New("delivery: recipient unavailable")
	ErrStopped              = errors.New("delivery: queue stopped")
)

// Priority orders delivery. Lower values are delivered first.
type Priority uint8

const (
	High Priority = iota
	Normal
	Low
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", uint8(p))
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return High, nil
	case "", "normal":
		return Normal, nil
	case "low":
		return Low, nil
	}
	return Normal, fmt.Errorf("delivery: unknown priority %q", s)
}

// Meta keys understood by the queue.
const (
	// MetaDedupKey identifies the logical message across upstream retries.
	// When absent the tracking id is used.
	MetaDedupKey = "dedup_key"
	// MetaEvent is the wire event name the handler should emit.
	MetaEvent = "event"
)

// Item is one queued payload. Handlers receive copies.
type Item struct {
	TrackingID    string
	RecipientID   string
	Payload       any
	Priority      Priority
	Meta          map[string]string
	QueuedAt      time.Time
	Attempts      int
	LastAttemptAt time.Time

	seq uint64
}

func (it Item) dedupKey() string {
	if k := it.Meta[MetaDedupKey]; k != "" {
		return k
	}
	return it.TrackingID
}

// Handler delivers one item to its recipient.
type Handler interface {
	Deliver(ctx context.Context, item Item) error
}

type HandlerFunc func(ctx context.Context, item Item) error

func (f HandlerFunc) Deliver(ctx context.Context, item Item) error { return f(ctx, item) }

type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateDelivered  State = "delivered"
	StateFailed     State = "failed"
)

func (s State) Terminal() bool { return s == StateDelivered || s == StateFailed }

// Status is the externally visible view of a tracked item.
type Status struct {
	TrackingID  string    `json:"trackingId"`
	RecipientID string    `json:"recipientId"`
	State       State     `json:"status"`
	Priority    string    `json:"priority"`
	Attempts    int       `json:"attempts"`
	Reason      string    `json:"reason,omitempty"`
	QueuedAt    time.Time `json:"queuedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Event types published on the bus. Data is a Status.
const (
	EventQueued     = "delivery.queued"
	EventProcessing = "delivery.processing"
	EventDelivered  = "delivery.delivered"
	EventFailed     = "delivery.failed"
)

// Status reasons set by the queue itself.
const (
	ReasonEvicted   = "evicted"
	ReasonDuplicate = "duplicate"
)

// Config defaults: capacity=1000, batch_size=10, max_attempts=3,
// batch_delay=100ms, status_grace=5m, dedup_ttl=10m, max_statuses=100000.
// A negative BatchDelay disables the pause between batches.
type Config struct {
	Capacity    int
	BatchSize   int
	MaxAttempts int
	BatchDelay  time.Duration
	StatusGrace time.Duration
	DedupTTL    time.Duration
	MaxStatuses int
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 1000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	} else if c.BatchDelay == 0 {
		c.BatchDelay = 100 * time.Millisecond
	}
	if c.StatusGrace <= 0 {
		c.StatusGrace = 5 * time.Minute
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 10 * time.Minute
	}
	if c.MaxStatuses <= 0 {
		c.MaxStatuses = 100000
	}
	return c
}
