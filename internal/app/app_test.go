package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pulse/internal/auth"
	"pulse/internal/storage"
)

const testConfig = `
server:
  addr: 127.0.0.1:0
  shutdown_timeout: 5s
auth:
  secret: app-test-secret
  issuer: pulse-test
limiters:
  message:
    max_attempts: 50
session:
  inactivity_timeout: 5m
notifications:
  bundle_window: 1h
storage:
  driver: memory
logging:
  level: error
  console: false
metrics:
  enabled: true
  interval: 1m
`

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func startApp(t *testing.T) (*App, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pulse.yaml")
	writeConfig(t, path, testConfig)

	a, err := New(context.Background(), path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopUnknown)
	})
	return a, path
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "pulse.yaml")
	writeConfig(t, path, "storage:\n  driver: postgres\n")
	if _, err := New(context.Background(), path); err == nil {
		t.Fatal("expected error for missing secret and unknown driver")
	}
}

func TestStartServesProbesAndSockets(t *testing.T) {
	t.Parallel()
	a, _ := startApp(t)

	resp, err := http.Get("http://" + a.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	mem, ok := a.store.(*storage.Memory)
	if !ok {
		t.Fatalf("store = %T, want memory", a.store)
	}
	if err := mem.PutUser(context.Background(), storage.User{ID: "alice", ShowOnlineStatus: true}); err != nil {
		t.Fatal(err)
	}
	tok, err := auth.Signer{Secret: []byte("app-test-secret"), Issuer: "pulse-test"}.Sign("alice", 0, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	hdr := http.Header{"Authorization": []string{"Bearer " + tok}}
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+a.Addr()+"/ws", hdr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f struct {
		Event string `json:"event"`
	}
	if err := conn.ReadJSON(&f); err != nil || f.Event != "welcome" {
		t.Fatalf("first frame = %q, %v", f.Event, err)
	}
	if !a.presence.IsOnline("alice") {
		t.Fatal("alice should be online")
	}

	resp, err = http.Get("http://" + a.Addr() + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Status  string `json:"status"`
		Details struct {
			Sessions int `json:"sessions"`
		} `json:"details"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ready" || body.Details.Sessions != 1 {
		t.Fatalf("readyz = %+v", body)
	}
}

func TestHotReloadAppliesTunables(t *testing.T) {
	t.Parallel()
	a, path := startApp(t)

	updated := strings.Replace(testConfig, "bundle_window: 1h", "bundle_window: 2m", 1)
	updated = strings.Replace(updated, "inactivity_timeout: 5m", "inactivity_timeout: 90s", 1)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		writeConfig(t, path, updated)
		time.Sleep(400 * time.Millisecond)
		if a.bundler.Window() == 2*time.Minute && a.hub.InactivityTimeout() == 90*time.Second {
			return
		}
	}
	t.Fatalf("reload not applied: window=%v inactivity=%v", a.bundler.Window(), a.hub.InactivityTimeout())
}

func TestStopIsOrderedAndIdempotent(t *testing.T) {
	t.Parallel()
	a, _ := startApp(t)
	addr := a.Addr()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
	if _, err := http.Get("http://" + addr + "/healthz"); err == nil {
		t.Fatal("listener should be closed")
	}
}
