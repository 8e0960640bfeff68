package metrics

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"pulse/internal/delivery"
	"pulse/internal/eventbus"
	logx "pulse/pkg/logx"
)

func TestRunCountsBusEvents(t *testing.T) {
	t.Parallel()
	r, err := New(noop.NewMeterProvider().Meter("test"), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = r.Run(ctx, bus); close(done) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.Publish(eventbus.Event{Type: "delivery.delivered"})
		if r.Counts()["delivery.delivered"] > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("event never counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestLogSnapshot(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	r, err := New(noop.NewMeterProvider().Meter("test"), logx.NewWriter(&buf, "info"))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Observe(func() Gauges { return Gauges{Users: 3, QueuePending: 7} }); err != nil {
		t.Fatal(err)
	}
	r.Count(context.Background(), eventbus.Event{Type: "presence.online"})
	r.Count(context.Background(), eventbus.Event{Type: "presence.online"})
	_ = r.LogSnapshot(context.Background())

	out := buf.String()
	for _, want := range []string{`"users":3`, `"queue_pending":7`, `"presence.online":2`} {
		if !strings.Contains(out, want) {
			t.Fatalf("snapshot %q missing %s", out, want)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestEvictionCountedSeparately(t *testing.T) {
	t.Parallel()
	r, err := New(noop.NewMeterProvider().Meter("test"), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	r.Count(ctx, eventbus.Event{Type: delivery.EventFailed, Data: delivery.Status{Reason: delivery.ReasonEvicted}})
	r.Count(ctx, eventbus.Event{Type: delivery.EventFailed, Data: delivery.Status{Reason: "timeout"}})
	got := r.Counts()
	if got["delivery.evicted"] != 1 || got[delivery.EventFailed] != 1 {
		t.Fatalf("counts = %v", got)
	}
}

func TestComponent(t *testing.T) {
	t.Parallel()
	if got := component("delivery.failed"); got != "delivery" {
		t.Fatalf("component = %q", got)
	}
	if got := component("plain"); got != "plain" {
		t.Fatalf("component = %q", got)
	}
}
