package backoff

import (
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(cfg Config, u float64) (*Limiter, *clock) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	l := New("test", cfg, WithClock(clk.Now), WithRandom(func() float64 { return u }))
	return l, clk
}

var scenarioCfg = Config{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	Factor:       2,
	MaxDelay:     10 * time.Second,
	Jitter:       0.1,
	Cooldown:     time.Minute,
	Window:       time.Hour,
}

func TestRecordAttemptScenario(t *testing.T) {
	t.Parallel()
	l, clk := newTestLimiter(scenarioCfg, 0)

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	for i, d := range want {
		r := l.RecordAttempt("u1")
		if r.Attempt != i+1 {
			t.Fatalf("attempt %d: Attempt = %d", i+1, r.Attempt)
		}
		if r.Delay != d {
			t.Fatalf("attempt %d: Delay = %v, want %v", i+1, r.Delay, d)
		}
		last := i+1 == scenarioCfg.MaxAttempts
		if r.Cooldown != last {
			t.Fatalf("attempt %d: Cooldown = %v, want %v", i+1, r.Cooldown, last)
		}
		if !last && r.Limited {
			t.Fatalf("attempt %d: Limited before reaching max attempts", i+1)
		}
		clk.Advance(10 * time.Millisecond)
	}

	r := l.RecordAttempt("u1")
	if !r.Limited || !r.Cooldown {
		t.Fatalf("4th call inside cooldown = %+v, want limited", r)
	}
	if r.CooldownRemaining <= 0 || r.CooldownRemaining > time.Minute {
		t.Fatalf("CooldownRemaining = %v", r.CooldownRemaining)
	}
	st, _ := l.State("u1")
	if st.AttemptCount != 3 {
		t.Fatalf("AttemptCount = %d during cooldown, want 3 (not incremented)", st.AttemptCount)
	}
}

func TestCooldownExpiresLazily(t *testing.T) {
	t.Parallel()
	l, clk := newTestLimiter(scenarioCfg, 0)
	for i := 0; i < 3; i++ {
		l.RecordAttempt("k")
	}
	if limited, _ := l.IsLimited("k"); !limited {
		t.Fatal("IsLimited should be true inside cooldown")
	}

	clk.Advance(time.Minute + time.Second)
	if limited, _ := l.IsLimited("k"); limited {
		t.Fatal("IsLimited should be false after cooldown end")
	}
	st, _ := l.State("k")
	if st.CooldownUntil.IsZero() {
		t.Fatal("cooldown must not be cleared eagerly")
	}

	r := l.RecordAttempt("k")
	if r.Limited || r.Attempt != 1 {
		t.Fatalf("first call after cooldown = %+v, want attempt 1 not limited", r)
	}
	if r.Delay != 100*time.Millisecond {
		t.Fatalf("Delay = %v, want initial delay", r.Delay)
	}
}

func TestIsLimitedIsReadOnly(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(scenarioCfg, 0)
	l.RecordAttempt("k")
	for i := 0; i < 5; i++ {
		l.IsLimited("k")
	}
	if st, _ := l.State("k"); st.AttemptCount != 1 {
		t.Fatalf("AttemptCount = %d, want 1", st.AttemptCount)
	}
	if limited, _ := l.IsLimited("unknown"); limited {
		t.Fatal("unknown key must not be limited")
	}
}

func TestKeysAndInstancesAreIndependent(t *testing.T) {
	t.Parallel()
	typing, _ := newTestLimiter(scenarioCfg, 0)
	calls, _ := newTestLimiter(scenarioCfg, 0)
	for i := 0; i < 3; i++ {
		typing.RecordAttempt("u1")
	}
	if r := typing.RecordAttempt("u2"); r.Limited || r.Attempt != 1 {
		t.Fatalf("other key affected: %+v", r)
	}
	if r := calls.RecordAttempt("u1"); r.Limited || r.Attempt != 1 {
		t.Fatalf("other limiter affected: %+v", r)
	}
}

func TestWindowForgetsAttempts(t *testing.T) {
	t.Parallel()
	cfg := scenarioCfg
	cfg.Window = time.Minute
	l, clk := newTestLimiter(cfg, 0)
	l.RecordAttempt("k")
	l.RecordAttempt("k")
	clk.Advance(2 * time.Minute)
	if r := l.RecordAttempt("k"); r.Attempt != 1 {
		t.Fatalf("Attempt = %d after window, want 1", r.Attempt)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(scenarioCfg, 0)
	for i := 0; i < 3; i++ {
		l.RecordAttempt("k")
	}
	l.Reset("k")
	if limited, _ := l.IsLimited("k"); limited {
		t.Fatal("Reset should clear cooldown")
	}
}

func TestDelay(t *testing.T) {
	t.Parallel()
	cfg := Config{InitialDelay: 100 * time.Millisecond, Factor: 2, MaxDelay: time.Second, Jitter: 0.5}
	tests := []struct {
		name    string
		attempt int
		u       float64
		want    time.Duration
	}{
		{name: "first", attempt: 1, u: 0, want: 100 * time.Millisecond},
		{name: "below one", attempt: 0, u: 0, want: 100 * time.Millisecond},
		{name: "third", attempt: 3, u: 0, want: 400 * time.Millisecond},
		{name: "capped", attempt: 10, u: 0, want: time.Second},
		{name: "huge attempt", attempt: 5000, u: 0, want: time.Second},
		{name: "jitter", attempt: 1, u: 0.5, want: 125 * time.Millisecond},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := Delay(cfg, tt.attempt, tt.u); got != tt.want {
				t.Fatalf("Delay(%d, %v) = %v, want %v", tt.attempt, tt.u, got, tt.want)
			}
		})
	}
}

func TestObserver(t *testing.T) {
	t.Parallel()
	var limited int
	clk := &clock{now: time.Unix(0, 0)}
	l := New("typing", scenarioCfg, WithClock(clk.Now), WithObserver(func(name, key string, r Result) {
		if name == "typing" && r.Limited {
			limited++
		}
	}))
	for i := 0; i < 5; i++ {
		l.RecordAttempt("k")
	}
	if limited != 3 {
		t.Fatalf("observer saw %d limited results, want 3", limited)
	}
}
