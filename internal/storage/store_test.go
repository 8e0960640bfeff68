package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "pulse/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "pulse.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	mem, err := Open(Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	return map[string]Store{"memory": mem, "sqlite": sq}
}

// ms truncates to the precision the sqlite driver keeps.
func ms(t time.Time) time.Time { return time.UnixMilli(t.UnixMilli()) }

func TestUsers(t *testing.T) {
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := st.FindUser(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("FindUser(unknown) err = %v, want ErrNotFound", err)
			}
			if err := st.PutUser(ctx, User{ID: "u1", Username: "alice", TokenVersion: 2, ShowOnlineStatus: true}); err != nil {
				t.Fatalf("PutUser: %v", err)
			}
			if err := st.PutUser(ctx, User{ID: "u2", Username: "bob"}); err != nil {
				t.Fatalf("PutUser: %v", err)
			}

			at := ms(time.Now())
			if err := st.UpdateOnlineStatus(ctx, "u1", OnlineStatus{IsOnline: true, LastActive: at, LastLoginIP: "10.0.0.1"}); err != nil {
				t.Fatalf("UpdateOnlineStatus: %v", err)
			}
			u, err := st.FindUser(ctx, "u1")
			if err != nil {
				t.Fatalf("FindUser: %v", err)
			}
			if !u.IsOnline || !u.LastActive.Equal(at) || u.LastLoginIP != "10.0.0.1" || u.TokenVersion != 2 {
				t.Fatalf("user after update = %+v", u)
			}

			// Going offline keeps the last known address.
			if err := st.UpdateOnlineStatus(ctx, "u1", OnlineStatus{IsOnline: false}); err != nil {
				t.Fatalf("UpdateOnlineStatus offline: %v", err)
			}
			u, _ = st.FindUser(ctx, "u1")
			if u.IsOnline || u.LastLoginIP != "10.0.0.1" || !u.LastActive.Equal(at) {
				t.Fatalf("user after offline = %+v", u)
			}
			if err := st.UpdateOnlineStatus(ctx, "ghost", OnlineStatus{}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("UpdateOnlineStatus(unknown) err = %v", err)
			}

			p, err := st.GetPrivacyPreference(ctx, "u2")
			if err != nil || p.ShowOnlineStatus {
				t.Fatalf("GetPrivacyPreference(u2) = %+v, %v", p, err)
			}
		})
	}
}

func TestOnlineListingAndTouch(t *testing.T) {
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"a", "b", "c"} {
				_ = st.PutUser(ctx, User{ID: id})
			}
			old := ms(time.Now().Add(-time.Hour))
			_ = st.UpdateOnlineStatus(ctx, "a", OnlineStatus{IsOnline: true, LastActive: old})
			_ = st.UpdateOnlineStatus(ctx, "c", OnlineStatus{IsOnline: true, LastActive: old})

			online, err := st.ListOnlineUsers(ctx)
			if err != nil {
				t.Fatalf("ListOnlineUsers: %v", err)
			}
			if len(online) != 2 || online[0].ID != "a" || online[1].ID != "c" {
				t.Fatalf("online = %+v", online)
			}

			now := ms(time.Now())
			if err := st.TouchActivity(ctx, []string{"a"}, now); err != nil {
				t.Fatalf("TouchActivity: %v", err)
			}
			a, _ := st.FindUser(ctx, "a")
			c, _ := st.FindUser(ctx, "c")
			if !a.LastActive.Equal(now) || !c.LastActive.Equal(old) {
				t.Fatalf("a.LastActive=%v c.LastActive=%v", a.LastActive, c.LastActive)
			}
		})
	}
}

func TestMessages(t *testing.T) {
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m, err := st.CreateMessage(ctx, Message{SenderID: "a", RecipientID: "b", Type: "text", Content: "hi"})
			if err != nil {
				t.Fatalf("CreateMessage: %v", err)
			}
			if m.ID == "" || m.Status != MessageSent || m.CreatedAt.IsZero() {
				t.Fatalf("created = %+v", m)
			}
			n, err := st.UpdateMessageStatus(ctx, []string{m.ID, "missing"}, MessageDelivered)
			if err != nil || n != 1 {
				t.Fatalf("UpdateMessageStatus = %d, %v", n, err)
			}
			n, _ = st.UpdateMessageStatus(ctx, []string{m.ID}, MessageDelivered)
			if n != 0 {
				t.Fatalf("second UpdateMessageStatus changed %d rows", n)
			}
			got, err := st.FindMessage(ctx, m.ID)
			if err != nil || got.Status != MessageDelivered || got.Content != "hi" {
				t.Fatalf("FindMessage = %+v, %v", got, err)
			}
		})
	}
}

func TestNotifications(t *testing.T) {
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := ms(time.Now().Add(-30 * time.Minute))

			older, err := st.CreateNotification(ctx, Notification{
				Recipient: "b", Sender: "a", Type: "message", Content: "one", CreatedAt: base,
			})
			if err != nil {
				t.Fatalf("CreateNotification: %v", err)
			}
			if older.Count != 1 {
				t.Fatalf("Count = %d, want default 1", older.Count)
			}
			newer, _ := st.CreateNotification(ctx, Notification{
				Recipient: "b", Sender: "a", Type: "message", Content: "two", CreatedAt: base.Add(time.Minute),
				Data: map[string]any{"k": "v"},
			})
			_, _ = st.CreateNotification(ctx, Notification{
				Recipient: "b", Sender: "a", Type: "message", Content: "child", CreatedAt: base.Add(2 * time.Minute),
				ParentNotification: newer.ID,
			})

			got, ok, err := st.FindBundleTarget(ctx, "b", "a", "message", base.Add(-time.Minute))
			if err != nil || !ok {
				t.Fatalf("FindBundleTarget = %v, %v", ok, err)
			}
			if got.ID != newer.ID {
				t.Fatalf("bundle target = %s, want most recent top-level %s", got.ID, newer.ID)
			}
			if got.Data["k"] != "v" {
				t.Fatalf("Data = %v", got.Data)
			}
			if _, ok, _ := st.FindBundleTarget(ctx, "b", "a", "message", base.Add(time.Hour)); ok {
				t.Fatal("no record should match outside the window")
			}
			if _, ok, _ := st.FindBundleTarget(ctx, "b", "z", "message", base); ok {
				t.Fatal("different sender must not match")
			}

			got.Count = 5
			got.Content = "five"
			if err := st.UpdateNotification(ctx, got); err != nil {
				t.Fatalf("UpdateNotification: %v", err)
			}
			reread, _ := st.FindNotification(ctx, got.ID)
			if reread.Count != 5 || reread.Content != "five" {
				t.Fatalf("after update = %+v", reread)
			}

			at := ms(time.Now())
			n, err := st.MarkNotificationsRead(ctx, "b", []string{got.ID}, at)
			if err != nil || n != 1 {
				t.Fatalf("MarkNotificationsRead = %d, %v", n, err)
			}
			if n, _ := st.MarkNotificationsRead(ctx, "b", []string{got.ID}, at); n != 0 {
				t.Fatalf("second MarkNotificationsRead changed %d", n)
			}
			if n, _ := st.MarkNotificationsRead(ctx, "intruder", []string{older.ID}, at); n != 0 {
				t.Fatal("another recipient must not mark someone else's notification")
			}
			reread, _ = st.FindNotification(ctx, got.ID)
			if !reread.Read || reread.ReadAt == nil || !reread.ReadAt.Equal(at) {
				t.Fatalf("read state = %v %v", reread.Read, reread.ReadAt)
			}

			list, err := st.ListNotifications(ctx, "b", 2)
			if err != nil || len(list) != 2 {
				t.Fatalf("ListNotifications = %d, %v", len(list), err)
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("expected error for sqlite without path")
	}
}
