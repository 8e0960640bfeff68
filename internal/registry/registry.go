// Package registry provides a generic in-memory key/value store with per-entry
// TTL, an LRU size cap, and reference-based cascading cleanup.
//
// Entries may declare references to other keys. When a referenced key goes
// away (deleted, expired, evicted), the reference is dropped from every
// dependent entry. A dependent set with WithDropWhenUnreferenced is removed
// once its last reference is gone.
package registry

import (
	"container/list"
	"sort"
	"sync"
	"time"
)

// Reason explains why an entry left the registry.
type Reason uint8

const (
	ReasonDeleted Reason = iota + 1
	ReasonExpired
	ReasonEvicted
	ReasonUnreferenced
	ReasonCleared
)

func (r Reason) String() string {
	switch r {
	case ReasonDeleted:
		return "deleted"
	case ReasonExpired:
		return "expired"
	case ReasonEvicted:
		return "evicted"
	case ReasonUnreferenced:
		return "unreferenced"
	case ReasonCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// Options configures a Registry.
//
// Defaults: MaxEntries=0 (unbounded), DefaultTTL=0 (no expiry), Now=time.Now.
type Options[T any] struct {
	MaxEntries int
	DefaultTTL time.Duration
	Now        func() time.Time

	// OnRemove runs after an entry is removed, outside the registry lock.
	OnRemove func(key string, value T, reason Reason)
	// OnReferenceDropped runs when ref disappears and key still exists.
	OnReferenceDropped func(key, ref string)
}

// SetOption tunes a single Set call.
type SetOption func(*setOptions)

type setOptions struct {
	ttl        time.Duration
	ttlFn      func() time.Duration
	refs       []string
	dropUnrefd bool
}

// WithTTL overrides the default TTL. Zero or negative means no expiry.
func WithTTL(d time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = d }
}

// WithTTLFunc defers the TTL decision until the value is stored. Update
// evaluates fn after its callback has run, under the same lock.
func WithTTLFunc(fn func() time.Duration) SetOption {
	return func(o *setOptions) { o.ttlFn = fn }
}

// WithReferences tags the entry as depending on the given keys.
func WithReferences(refs ...string) SetOption {
	return func(o *setOptions) { o.refs = append(o.refs, refs...) }
}

// WithDropWhenUnreferenced removes the entry once all of its references are gone.
func WithDropWhenUnreferenced() SetOption {
	return func(o *setOptions) { o.dropUnrefd = true }
}

type entry[T any] struct {
	key        string
	value      T
	expiresAt  time.Time
	refs       map[string]struct{}
	dropUnrefd bool
	elem       *list.Element
}

type removal[T any] struct {
	key    string
	value  T
	reason Reason
}

type dropped struct{ key, ref string }

// Registry is safe for concurrent use.
type Registry[T any] struct {
	mu   sync.Mutex
	opts Options[T]

	entries map[string]*entry[T]
	lru     *list.List // front: most recently touched

	// dependents maps a referenced key to the keys that reference it.
	dependents map[string]map[string]struct{}
}

func New[T any](opts Options[T]) *Registry[T] {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxEntries < 0 {
		opts.MaxEntries = 0
	}
	return &Registry[T]{
		opts:       opts,
		entries:    map[string]*entry[T]{},
		lru:        list.New(),
		dependents: map[string]map[string]struct{}{},
	}
}

// Set stores value under key, replacing any previous value, references and
// expiry. The entry becomes the most recently touched.
func (r *Registry[T]) Set(key string, value T, opts ...SetOption) {
	so := r.setOptions(opts)
	r.mu.Lock()
	rm, dr := r.setLocked(key, value, so, nil, nil)
	r.mu.Unlock()
	r.notify(rm, dr)
}

func (r *Registry[T]) setOptions(opts []SetOption) setOptions {
	so := setOptions{ttl: r.opts.DefaultTTL}
	for _, o := range opts {
		o(&so)
	}
	return so
}

func (r *Registry[T]) setLocked(key string, value T, so setOptions, rm []removal[T], dr []dropped) ([]removal[T], []dropped) {
	now := r.opts.Now()
	e, ok := r.entries[key]
	if ok {
		r.unindexLocked(e)
		e.value = value
		r.lru.MoveToFront(e.elem)
	} else {
		e = &entry[T]{key: key, value: value}
		e.elem = r.lru.PushFront(e)
		r.entries[key] = e
	}
	ttl := so.ttl
	if so.ttlFn != nil {
		ttl = so.ttlFn()
	}
	e.expiresAt = time.Time{}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	e.dropUnrefd = so.dropUnrefd
	e.refs = nil
	if len(so.refs) > 0 {
		e.refs = make(map[string]struct{}, len(so.refs))
		for _, ref := range so.refs {
			if ref == "" || ref == key {
				continue
			}
			e.refs[ref] = struct{}{}
			deps := r.dependents[ref]
			if deps == nil {
				deps = map[string]struct{}{}
				r.dependents[ref] = deps
			}
			deps[key] = struct{}{}
		}
	}

	if max := r.opts.MaxEntries; max > 0 {
		for len(r.entries) > max {
			back := r.lru.Back()
			if back == nil {
				break
			}
			rm, dr = r.removeLocked(back.Value.(*entry[T]), ReasonEvicted, rm, dr)
		}
	}
	return rm, dr
}

// Get returns the live value for key and marks it recently touched.
// An expired entry is removed on access.
func (r *Registry[T]) Get(key string) (T, bool) {
	return r.get(key, true)
}

// Peek is Get without touching LRU order.
func (r *Registry[T]) Peek(key string) (T, bool) {
	return r.get(key, false)
}

func (r *Registry[T]) get(key string, touch bool) (T, bool) {
	var zero T
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return zero, false
	}
	if e.expired(r.opts.Now()) {
		rm, dr := r.removeLocked(e, ReasonExpired, nil, nil)
		r.mu.Unlock()
		r.notify(rm, dr)
		return zero, false
	}
	if touch {
		r.lru.MoveToFront(e.elem)
	}
	v := e.value
	r.mu.Unlock()
	return v, true
}

// Update atomically reads and replaces the value under key. fn receives the
// current live value (ok=false when missing or expired) and returns the new
// value. Returning keep=false deletes the entry instead. fn runs under the
// registry lock and must not call back into the registry.
func (r *Registry[T]) Update(key string, fn func(cur T, ok bool) (next T, keep bool), opts ...SetOption) T {
	so := r.setOptions(opts)
	r.mu.Lock()
	var rm []removal[T]
	var dr []dropped
	var cur T
	e, ok := r.entries[key]
	if ok && e.expired(r.opts.Now()) {
		rm, dr = r.removeLocked(e, ReasonExpired, rm, dr)
		ok = false
	}
	if ok {
		cur = e.value
	}
	next, keep := fn(cur, ok)
	switch {
	case keep:
		rm, dr = r.setLocked(key, next, so, rm, dr)
	case ok:
		rm, dr = r.removeLocked(e, ReasonDeleted, rm, dr)
	}
	r.mu.Unlock()
	r.notify(rm, dr)
	return next
}

// Delete removes key and cascades to its dependents. It reports whether the
// key was present.
func (r *Registry[T]) Delete(key string) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	rm, dr := r.removeLocked(e, ReasonDeleted, nil, nil)
	r.mu.Unlock()
	r.notify(rm, dr)
	return true
}

// RemoveReference drops a single cross-reference from key without touching
// the referenced entry. It reports whether the reference existed.
func (r *Registry[T]) RemoveReference(key, ref string) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, has := e.refs[ref]; !has {
		r.mu.Unlock()
		return false
	}
	delete(e.refs, ref)
	if deps := r.dependents[ref]; deps != nil {
		delete(deps, key)
		if len(deps) == 0 {
			delete(r.dependents, ref)
		}
	}
	var rm []removal[T]
	var dr []dropped
	if e.dropUnrefd && len(e.refs) == 0 {
		rm, dr = r.removeLocked(e, ReasonUnreferenced, rm, dr)
	}
	r.mu.Unlock()
	r.notify(rm, dr)
	return true
}

// References returns the sorted references currently held by key.
func (r *Registry[T]) References(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok || len(e.refs) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.refs))
	for ref := range e.refs {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

// Clear removes every entry.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	rm := make([]removal[T], 0, len(r.entries))
	for _, e := range r.entries {
		rm = append(rm, removal[T]{key: e.key, value: e.value, reason: ReasonCleared})
	}
	r.entries = map[string]*entry[T]{}
	r.dependents = map[string]map[string]struct{}{}
	r.lru.Init()
	r.mu.Unlock()
	r.notify(rm, nil)
}

// Cleanup removes all expired entries and returns how many were removed,
// cascades included.
func (r *Registry[T]) Cleanup() int {
	r.mu.Lock()
	now := r.opts.Now()
	var rm []removal[T]
	var dr []dropped
	for _, e := range r.entries {
		if e.expired(now) {
			rm, dr = r.removeLocked(e, ReasonExpired, rm, dr)
		}
	}
	r.mu.Unlock()
	r.notify(rm, dr)
	return len(rm)
}

// Len returns the number of stored entries, including expired ones not yet
// collected.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Keys returns live keys, most recently touched first.
func (r *Registry[T]) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.opts.Now()
	out := make([]string, 0, len(r.entries))
	for el := r.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry[T])
		if !e.expired(now) {
			out = append(out, e.key)
		}
	}
	return out
}

// Range calls fn for a snapshot of live entries until fn returns false.
func (r *Registry[T]) Range(fn func(key string, value T) bool) {
	type kv struct {
		k string
		v T
	}
	r.mu.Lock()
	now := r.opts.Now()
	snap := make([]kv, 0, len(r.entries))
	for el := r.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry[T])
		if !e.expired(now) {
			snap = append(snap, kv{e.key, e.value})
		}
	}
	r.mu.Unlock()
	for _, it := range snap {
		if !fn(it.k, it.v) {
			return
		}
	}
}

func (e *entry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// unindexLocked removes e from the dependents index of each of its refs.
func (r *Registry[T]) unindexLocked(e *entry[T]) {
	for ref := range e.refs {
		if deps := r.dependents[ref]; deps != nil {
			delete(deps, e.key)
			if len(deps) == 0 {
				delete(r.dependents, ref)
			}
		}
	}
}

// removeLocked removes e and walks the dependents graph iteratively.
func (r *Registry[T]) removeLocked(e *entry[T], reason Reason, rm []removal[T], dr []dropped) ([]removal[T], []dropped) {
	type work struct {
		e      *entry[T]
		reason Reason
	}
	queue := []work{{e, reason}}
	for len(queue) > 0 {
		w := queue[0]
		queue = queue[1:]
		cur, ok := r.entries[w.e.key]
		if !ok || cur != w.e {
			continue
		}
		delete(r.entries, cur.key)
		r.lru.Remove(cur.elem)
		r.unindexLocked(cur)
		rm = append(rm, removal[T]{key: cur.key, value: cur.value, reason: w.reason})

		deps := r.dependents[cur.key]
		delete(r.dependents, cur.key)
		for dk := range deps {
			d, ok := r.entries[dk]
			if !ok {
				continue
			}
			delete(d.refs, cur.key)
			if d.dropUnrefd && len(d.refs) == 0 {
				queue = append(queue, work{d, ReasonUnreferenced})
				continue
			}
			dr = append(dr, dropped{key: dk, ref: cur.key})
		}
	}
	return rm, dr
}

func (r *Registry[T]) notify(rm []removal[T], dr []dropped) {
	if fn := r.opts.OnReferenceDropped; fn != nil {
		for _, d := range dr {
			fn(d.key, d.ref)
		}
	}
	if fn := r.opts.OnRemove; fn != nil {
		for _, it := range rm {
			fn(it.key, it.value, it.reason)
		}
	}
}
