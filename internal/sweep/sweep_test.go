package sweep

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "pulse/pkg/logx"
)

func TestAddValidates(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	noop := func(context.Context) error { return nil }
	cases := []struct {
		name string
		job  Job
	}{
		{"no name", Job{Every: time.Second, Run: noop}},
		{"no func", Job{Name: "x", Every: time.Second}},
		{"zero interval", Job{Name: "x", Run: noop}},
	}
	for _, tc := range cases {
		if err := s.Add(tc.job); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
	if err := s.Add(Job{Name: "x", Every: time.Second, Run: noop}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(Job{Name: "x", Every: time.Second, Run: noop}); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("err = %v, want ErrDuplicateJob", err)
	}
}

func TestRunNowIsNotReentrant(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	entered := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	_ = s.Add(Job{Name: "slow", Every: time.Hour, Run: func(context.Context) error {
		runs.Add(1)
		close(entered)
		<-release
		return nil
	}})

	done := make(chan bool)
	go func() { done <- s.RunNow("slow") }()
	<-entered
	if s.RunNow("slow") {
		t.Fatal("second run must be skipped while the first is running")
	}
	close(release)
	if !<-done {
		t.Fatal("first run should report true")
	}
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
	st := s.Snapshot()
	if len(st) != 1 || st[0].Runs != 1 || st[0].Skipped != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if s.RunNow("missing") {
		t.Fatal("unknown job must return false")
	}
}

func TestFailuresAndPanicsAreCounted(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	_ = s.Add(Job{Name: "err", Every: time.Hour, Run: func(context.Context) error { return errors.New("boom") }})
	_ = s.Add(Job{Name: "panic", Every: time.Hour, Run: func(context.Context) error { panic("kaboom") }})
	s.RunNow("err")
	s.RunNow("panic")
	for _, st := range s.Snapshot() {
		if st.Runs != 1 || st.Failures != 1 || st.LastErr == "" {
			t.Fatalf("stats = %+v", st)
		}
	}
}

func TestJobGetsTimeout(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	var deadline atomic.Bool
	_ = s.Add(Job{Name: "ctx", Every: time.Hour, Timeout: time.Second, Run: func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		deadline.Store(ok)
		return nil
	}})
	s.RunNow("ctx")
	if !deadline.Load() {
		t.Fatal("job context should carry a deadline")
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	_ = s.Add(Job{Name: "tick", Every: time.Hour, Run: func(context.Context) error { return nil }})
	s.Start(context.Background())
	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Stop(ctx)
}

func TestSpreadDelaysFirstRunOnly(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched := spreadSchedule(10*time.Second, now, "job")
	first := sched.Next(now)
	if first.Before(now.Add(10*time.Second)) || first.After(now.Add(15*time.Second)) {
		t.Fatalf("first run = %v", first.Sub(now))
	}
	if next := sched.Next(first); next.Sub(first) > 10*time.Second || next.Sub(first) < 9*time.Second {
		t.Fatalf("subsequent interval = %v", next.Sub(first))
	}
}
