// Package backoff implements the per-key exponential backoff limiter.
//
// Every RecordAttempt call counts one attempt for a key and returns the delay
// the caller should wait before trying again. The attempt that reaches
// MaxAttempts opens a fixed cooldown; until it ends the key is limited and
// further calls do not count. Cooldown end is handled lazily, on the next
// call after it passes.
package backoff

import (
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"pulse/internal/registry"
)

// Config holds limiter tunables.
//
// Defaults (zero fields):
//   - max_attempts: 5
//   - initial_delay: 1s
//   - factor: 2
//   - max_delay: 30s
//   - jitter: 0.1
//   - cooldown: 1m
//   - window: 10m
//   - max_keys: 10000
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	Jitter       float64
	Cooldown     time.Duration

	// Window bounds how long attempts are remembered after the first one.
	Window time.Duration
	// MaxKeys caps tracked keys; least recently touched keys are forgotten.
	MaxKeys int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.Factor < 1 {
		c.Factor = 2
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Minute
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Minute
	}
	if c.MaxKeys <= 0 {
		c.MaxKeys = 10000
	}
	return c
}

// Result is the outcome of one RecordAttempt call.
type Result struct {
	Limited           bool
	Delay             time.Duration
	Attempt           int
	Cooldown          bool
	CooldownRemaining time.Duration
}

// State is the stored attempt history for one key.
type State struct {
	AttemptCount   int
	FirstAttemptAt time.Time
	LastAttemptAt  time.Time
	CooldownUntil  time.Time
}

// Limiter is safe for concurrent use. Create one per concern so that, for
// example, typing spam never throttles call setup.
type Limiter struct {
	name string

	mu  sync.RWMutex
	cfg Config

	states  *registry.Registry[State]
	now     func() time.Time
	uniform func() float64
	observe func(name, key string, r Result)
}

type Option func(*Limiter)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithRandom injects the jitter source; fn must return values in [0,1).
func WithRandom(fn func() float64) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.uniform = fn
		}
	}
}

// WithObserver registers a callback invoked after every RecordAttempt.
func WithObserver(fn func(name, key string, r Result)) Option {
	return func(l *Limiter) { l.observe = fn }
}

func New(name string, cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		name:    strings.TrimSpace(name),
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		uniform: rand.Float64,
	}
	for _, o := range opts {
		o(l)
	}
	l.states = registry.New(registry.Options[State]{
		MaxEntries: l.cfg.MaxKeys,
		Now:        l.now,
	})
	return l
}

func (l *Limiter) Name() string { return l.name }

func (l *Limiter) Config() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Apply swaps tunables at runtime. Existing per-key state is kept; MaxKeys
// takes effect on the next restart.
func (l *Limiter) Apply(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg.withDefaults()
	l.mu.Unlock()
}

// RecordAttempt counts an attempt for key. It never fails; unknown keys
// start from zero.
func (l *Limiter) RecordAttempt(key string) Result {
	cfg := l.Config()
	now := l.now()
	var res Result

	var ttl time.Duration
	l.states.Update(key, func(st State, ok bool) (State, bool) {
		if ok && !st.CooldownUntil.IsZero() {
			if now.Before(st.CooldownUntil) {
				res = Result{
					Limited:           true,
					Attempt:           st.AttemptCount,
					Cooldown:          true,
					CooldownRemaining: st.CooldownUntil.Sub(now),
					Delay:             st.CooldownUntil.Sub(now),
				}
				ttl = stateTTL(cfg, st, now)
				return st, true
			}
			ok = false
		}
		if !ok {
			st = State{FirstAttemptAt: now}
		}
		st.AttemptCount++
		st.LastAttemptAt = now

		res = Result{
			Attempt: st.AttemptCount,
			Delay:   Delay(cfg, st.AttemptCount, l.uniform()),
		}
		if st.AttemptCount >= cfg.MaxAttempts {
			st.CooldownUntil = now.Add(cfg.Cooldown)
			res.Limited = true
			res.Cooldown = true
			res.CooldownRemaining = cfg.Cooldown
		}
		ttl = stateTTL(cfg, st, now)
		return st, true
	}, registry.WithTTLFunc(func() time.Duration { return ttl }))

	if l.observe != nil {
		l.observe(l.name, key, res)
	}
	return res
}

// IsLimited is a read-only check: it reports whether key is inside a
// cooldown and for how long.
func (l *Limiter) IsLimited(key string) (bool, time.Duration) {
	st, ok := l.states.Peek(key)
	if !ok || st.CooldownUntil.IsZero() {
		return false, 0
	}
	now := l.now()
	if !now.Before(st.CooldownUntil) {
		return false, 0
	}
	return true, st.CooldownUntil.Sub(now)
}

// State returns the stored state for key.
func (l *Limiter) State(key string) (State, bool) {
	return l.states.Peek(key)
}

// Reset forgets key, for example after a successful login.
func (l *Limiter) Reset(key string) {
	l.states.Delete(key)
}

// Cleanup drops expired key state and returns how many keys were removed.
func (l *Limiter) Cleanup() int {
	return l.states.Cleanup()
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	return l.states.Len()
}

// stateTTL keeps state for the rest of the window, and at least until the
// cooldown ends.
func stateTTL(cfg Config, st State, now time.Time) time.Duration {
	end := st.FirstAttemptAt.Add(cfg.Window)
	if st.CooldownUntil.After(end) {
		end = st.CooldownUntil
	}
	ttl := end.Sub(now)
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	return ttl
}

// Delay returns min(initial × factor^(attempt−1), max) × (1 + u×jitter) for
// u in [0,1). Attempts below 1 are treated as 1.
func Delay(cfg Config, attempt int, u float64) time.Duration {
	cfg = cfg.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(cfg.InitialDelay) * math.Pow(cfg.Factor, float64(attempt-1))
	if d > float64(cfg.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		d = float64(cfg.MaxDelay)
	}
	if u < 0 {
		u = 0
	}
	if u >= 1 {
		u = math.Nextafter(1, 0)
	}
	return time.Duration(d * (1 + u*cfg.Jitter))
}
