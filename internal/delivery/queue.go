package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pulse/internal/eventbus"
	"pulse/internal/registry"
	logx "pulse/pkg/logx"
)

type recipientQueue struct {
	// items stays sorted by (priority, queuedAt, seq).
	items      []*Item
	processing bool
	// kick is set when Process finds a processor running; release then
	// starts another one.
	kick bool
}

func (rq *recipientQueue) insert(it *Item) {
	i := sort.Search(len(rq.items), func(i int) bool { return before(it, rq.items[i]) })
	rq.items = append(rq.items, nil)
	copy(rq.items[i+1:], rq.items[i:])
	rq.items[i] = it
}

func (rq *recipientQueue) index(trackingID string) int {
	for i, it := range rq.items {
		if it.TrackingID == trackingID {
			return i
		}
	}
	return -1
}

func (rq *recipientQueue) removeAt(i int) *Item {
	it := rq.items[i]
	copy(rq.items[i:], rq.items[i+1:])
	rq.items[len(rq.items)-1] = nil
	rq.items = rq.items[:len(rq.items)-1]
	return it
}

// victim picks the item to drop so that one of priority p fits: the oldest
// LOW, then (for NORMAL or HIGH arrivals) the oldest NORMAL. HIGH items are
// never dropped. It returns -1 when nothing may be dropped.
func (rq *recipientQueue) victim(p Priority) int {
	oldest := func(want Priority) int {
		for i, it := range rq.items {
			if it.Priority == want {
				return i
			}
		}
		return -1
	}
	if i := oldest(Low); i >= 0 {
		return i
	}
	if p == Low {
		return -1
	}
	return oldest(Normal)
}

func before(a, b *Item) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.QueuedAt.Equal(b.QueuedAt) {
		return a.QueuedAt.Before(b.QueuedAt)
	}
	return a.seq < b.seq
}

// Queue is the per-recipient delivery queue. One processor runs per
// recipient at a time.
type Queue struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	dedup Dedup
	now   func() time.Time

	reachable func(recipientID string) bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	queues  map[string]*recipientQueue
	handler Handler
	seq     uint64
	stopped bool

	statuses *registry.Registry[Status]
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func WithBus(bus eventbus.Bus) Option { return func(q *Queue) { q.bus = bus } }

func WithDedup(d Dedup) Option { return func(q *Queue) { q.dedup = d } }

// WithReachable lets Enqueue start processing right away when the recipient
// already has a live channel.
func WithReachable(fn func(recipientID string) bool) Option {
	return func(q *Queue) { q.reachable = fn }
}

func New(cfg Config, log logx.Logger, opts ...Option) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:    cfg.withDefaults(),
		log:    log,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		queues: map[string]*recipientQueue{},
	}
	for _, o := range opts {
		o(q)
	}
	if q.dedup == nil {
		q.dedup = NewMemoryDedup(q.cfg.MaxStatuses, q.now)
	}
	q.statuses = registry.New(registry.Options[Status]{MaxEntries: q.cfg.MaxStatuses, Now: q.now})
	return q
}

// SetHandler installs the delivery handler.
func (q *Queue) SetHandler(h Handler) {
	q.mu.Lock()
	q.handler = h
	q.mu.Unlock()
}

// Enqueue adds payload for recipientID and returns its tracking id. A full
// queue makes room by dropping a lower-or-equal priority item that is not
// HIGH; when none exists ErrQueueFull is returned.
func (q *Queue) Enqueue(ctx context.Context, recipientID string, payload any, p Priority, meta map[string]string) (string, error) {
	if recipientID == "" {
		return "", errors.New("delivery: empty recipient")
	}
	if p > Low {
		return "", fmt.Errorf("delivery: invalid priority %d", p)
	}
	now := q.now()

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return "", ErrStopped
	}
	rq := q.queues[recipientID]
	if rq == nil {
		rq = &recipientQueue{}
		q.queues[recipientID] = rq
	}
	var evicted *Item
	if len(rq.items) >= q.cfg.Capacity {
		i := rq.victim(p)
		if i < 0 {
			if len(rq.items) == 0 {
				delete(q.queues, recipientID)
			}
			q.mu.Unlock()
			q.log.Debug("queue full; message rejected", logx.String("recipient", recipientID), logx.String("priority", p.String()))
			return "", ErrQueueFull
		}
		evicted = rq.removeAt(i)
	}
	q.seq++
	it := &Item{
		TrackingID:  uuid.NewString(),
		RecipientID: recipientID,
		Payload:     payload,
		Priority:    p,
		Meta:        copyMeta(meta),
		QueuedAt:    now,
		seq:         q.seq,
	}
	rq.insert(it)
	// Recorded before unlock so a running processor cannot overwrite a
	// terminal status with this one.
	var evictedSt Status
	if evicted != nil {
		evictedSt = q.recordStatus(*evicted, StateFailed, ReasonEvicted)
	}
	queuedSt := q.recordStatus(*it, StateQueued, "")
	q.mu.Unlock()

	if evicted != nil {
		q.log.Info("queued message evicted", logx.String("recipient", recipientID), logx.String("tracking_id", evicted.TrackingID), logx.String("priority", evicted.Priority.String()))
		q.publishStatus(evictedSt)
	}
	q.publishStatus(queuedSt)

	if q.reachable != nil && q.reachable(recipientID) {
		q.Process(recipientID)
	}
	return it.TrackingID, nil
}

// Process starts draining recipientID's queue unless a processor is
// already running for it, in which case the running one picks up new items.
// It reports whether a processor was started.
func (q *Queue) Process(recipientID string) bool {
	q.mu.Lock()
	rq := q.queues[recipientID]
	if rq != nil && rq.processing {
		rq.kick = true
	}
	if q.stopped || rq == nil || rq.processing || len(rq.items) == 0 || q.handler == nil {
		q.mu.Unlock()
		return false
	}
	rq.processing = true
	rq.kick = false
	q.wg.Add(1)
	q.mu.Unlock()

	go q.drain(recipientID)
	return true
}

// drain delivers batches until the queue is empty, the recipient becomes
// unavailable or the queue stops.
func (q *Queue) drain(recipientID string) {
	defer q.wg.Done()
	log := q.log.With(logx.String("recipient", recipientID))
	for {
		batch, h := q.nextBatch(recipientID)
		if len(batch) == 0 {
			return
		}
		for _, it := range batch {
			if q.ctx.Err() != nil {
				q.release(recipientID)
				return
			}
			if !q.attempt(log, h, recipientID, it) {
				q.release(recipientID)
				return
			}
		}
		if q.cfg.BatchDelay > 0 {
			t := time.NewTimer(q.cfg.BatchDelay)
			select {
			case <-q.ctx.Done():
				t.Stop()
				q.release(recipientID)
				return
			case <-t.C:
			}
		}
	}
}

// nextBatch returns up to BatchSize item ids in delivery order. An empty
// batch also ends the processor.
func (q *Queue) nextBatch(recipientID string) ([]string, Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rq := q.queues[recipientID]
	if rq == nil {
		return nil, nil
	}
	if len(rq.items) == 0 || q.stopped {
		rq.processing = false
		if len(rq.items) == 0 {
			delete(q.queues, recipientID)
		}
		return nil, nil
	}
	rq.kick = false
	n := min(q.cfg.BatchSize, len(rq.items))
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = rq.items[i].TrackingID
	}
	return ids, q.handler
}

// release ends the running processor. A Process call that arrived while it
// ran starts a fresh one, so a recipient that came back during a failed
// delivery is not left waiting.
func (q *Queue) release(recipientID string) {
	q.mu.Lock()
	kick := false
	if rq := q.queues[recipientID]; rq != nil {
		rq.processing = false
		kick = rq.kick
		rq.kick = false
		if len(rq.items) == 0 {
			delete(q.queues, recipientID)
		}
	}
	q.mu.Unlock()
	if kick && q.ctx.Err() == nil {
		q.Process(recipientID)
	}
}

// attempt delivers one item. It returns false when the processor should
// stop because the recipient is gone.
func (q *Queue) attempt(log logx.Logger, h Handler, recipientID, trackingID string) bool {
	it, ok := q.begin(recipientID, trackingID)
	if !ok {
		// Evicted since the batch was taken.
		return true
	}
	q.setLiveStatus(it, StateProcessing, "")

	key := it.dedupKey()
	claimed, err := q.dedup.Claim(q.ctx, key, q.cfg.DedupTTL)
	if err != nil {
		log.Warn("dedup claim failed; delivering anyway", logx.String("tracking_id", it.TrackingID), logx.Err(err))
		claimed = true
	}
	if !claimed {
		if done, ok := q.finish(it.RecipientID, trackingID); ok {
			log.Debug("duplicate delivery suppressed", logx.String("tracking_id", trackingID), logx.String("dedup_key", key))
			q.setStatus(done, StateDelivered, ReasonDuplicate)
		}
		return true
	}

	err = q.invoke(h, it)
	if err == nil {
		if done, ok := q.finish(it.RecipientID, trackingID); ok {
			q.setStatus(done, StateDelivered, "")
		}
		return true
	}

	if rerr := q.dedup.Release(q.ctx, key); rerr != nil {
		log.Warn("dedup release failed", logx.String("tracking_id", trackingID), logx.Err(rerr))
	}
	if errors.Is(err, ErrRecipientUnavailable) {
		if back, ok := q.rollback(it.RecipientID, trackingID); ok {
			q.setLiveStatus(back, StateQueued, "")
		}
		log.Debug("recipient unavailable; pausing delivery")
		return false
	}

	if it.Attempts >= q.cfg.MaxAttempts {
		if done, ok := q.finish(it.RecipientID, trackingID); ok {
			log.Warn("delivery failed permanently", logx.String("tracking_id", trackingID), logx.Int("attempts", done.Attempts), logx.Err(err))
			q.setStatus(done, StateFailed, err.Error())
		}
		return true
	}
	log.Debug("delivery failed; will retry", logx.String("tracking_id", trackingID), logx.Int("attempts", it.Attempts), logx.Err(err))
	q.setLiveStatus(it, StateQueued, err.Error())
	return true
}

// begin re-reads the live item and counts the attempt.
func (q *Queue) begin(recipientID, trackingID string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rq := q.queues[recipientID]
	if rq == nil {
		return Item{}, false
	}
	i := rq.index(trackingID)
	if i < 0 {
		return Item{}, false
	}
	it := rq.items[i]
	it.Attempts++
	it.LastAttemptAt = q.now()
	return *it, true
}

func (q *Queue) rollback(recipientID, trackingID string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rq := q.queues[recipientID]
	if rq == nil {
		return Item{}, false
	}
	i := rq.index(trackingID)
	if i < 0 {
		return Item{}, false
	}
	if rq.items[i].Attempts > 0 {
		rq.items[i].Attempts--
	}
	return *rq.items[i], true
}

// finish removes the item from the live queue.
func (q *Queue) finish(recipientID, trackingID string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rq := q.queues[recipientID]
	if rq == nil {
		return Item{}, false
	}
	i := rq.index(trackingID)
	if i < 0 {
		return Item{}, false
	}
	return *rq.removeAt(i), true
}

func (q *Queue) invoke(h Handler, it Item) (err error) {
	defer func() {
		if p := recover(); p != nil {
			q.log.Error("delivery handler panicked", logx.String("tracking_id", it.TrackingID), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("delivery handler panic: %v", p)
		}
	}()
	it.Meta = copyMeta(it.Meta)
	return h.Deliver(q.ctx, it)
}

func (q *Queue) setStatus(it Item, st State, reason string) {
	q.publishStatus(q.recordStatus(it, st, reason))
}

// setLiveStatus records a non-terminal status only while the item is still
// queued; an eviction in the meantime already wrote its final status.
func (q *Queue) setLiveStatus(it Item, st State, reason string) {
	q.mu.Lock()
	rq := q.queues[it.RecipientID]
	if rq == nil || rq.index(it.TrackingID) < 0 {
		q.mu.Unlock()
		return
	}
	s := q.recordStatus(it, st, reason)
	q.mu.Unlock()
	q.publishStatus(s)
}

func (q *Queue) recordStatus(it Item, st State, reason string) Status {
	now := q.now()
	s := Status{
		TrackingID:  it.TrackingID,
		RecipientID: it.RecipientID,
		State:       st,
		Priority:    it.Priority.String(),
		Attempts:    it.Attempts,
		Reason:      reason,
		QueuedAt:    it.QueuedAt,
		UpdatedAt:   now,
	}
	ttl := time.Duration(0)
	if st.Terminal() {
		ttl = q.cfg.StatusGrace
	}
	q.statuses.Set(it.TrackingID, s, registry.WithTTL(ttl))
	return s
}

func (q *Queue) publishStatus(s Status) {
	if q.bus == nil {
		return
	}
	typ := EventQueued
	switch s.State {
	case StateProcessing:
		typ = EventProcessing
	case StateDelivered:
		typ = EventDelivered
	case StateFailed:
		typ = EventFailed
	}
	q.bus.Publish(eventbus.Event{Type: typ, Time: s.UpdatedAt, Data: s})
}

// Claim adds key to the dedup set for the dedup window. It reports false
// when key is already there.
func (q *Queue) Claim(ctx context.Context, key string) (bool, error) {
	return q.dedup.Claim(ctx, key, q.cfg.DedupTTL)
}

// Unclaim forgets key so a retry can claim it again.
func (q *Queue) Unclaim(ctx context.Context, key string) error {
	return q.dedup.Release(ctx, key)
}

func (q *Queue) DedupWindow() time.Duration { return q.cfg.DedupTTL }

// Status returns the tracked status. Terminal statuses are kept for
// StatusGrace.
func (q *Queue) Status(trackingID string) (Status, bool) {
	return q.statuses.Peek(trackingID)
}

// Pending returns the number of undelivered items for recipientID.
func (q *Queue) Pending(recipientID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if rq := q.queues[recipientID]; rq != nil {
		return len(rq.items)
	}
	return 0
}

// Items returns a copy of recipientID's queue in delivery order.
func (q *Queue) Items(recipientID string) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	rq := q.queues[recipientID]
	if rq == nil {
		return nil
	}
	out := make([]Item, len(rq.items))
	for i, it := range rq.items {
		out[i] = *it
		out[i].Meta = copyMeta(it.Meta)
	}
	return out
}

type Stats struct {
	Recipients int `json:"recipients"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Statuses   int `json:"statuses"`
}

func (q *Queue) Snapshot() Stats {
	q.mu.Lock()
	st := Stats{Recipients: len(q.queues)}
	for _, rq := range q.queues {
		st.Pending += len(rq.items)
		if rq.processing {
			st.Processing++
		}
	}
	q.mu.Unlock()
	st.Statuses = q.statuses.Len()
	return st
}

// Cleanup purges expired statuses and in-memory dedup claims.
func (q *Queue) Cleanup() int {
	n := q.statuses.Cleanup()
	if md, ok := q.dedup.(*MemoryDedup); ok {
		n += md.Cleanup()
	}
	return n
}

// Stop rejects new items, cancels running processors and waits for them.
// Undelivered items are dropped with the process.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
