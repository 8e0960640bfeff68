package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "pulse/pkg/logx"
)

type UserStore interface {
	FindUser(ctx context.Context, id string) (User, error)
	PutUser(ctx context.Context, u User) error
	UpdateOnlineStatus(ctx context.Context, id string, st OnlineStatus) error
	GetPrivacyPreference(ctx context.Context, id string) (Privacy, error)
	// ListOnlineUsers returns users whose persisted status is online.
	ListOnlineUsers(ctx context.Context) ([]User, error)
	// TouchActivity bumps LastActive for users that are still connected.
	TouchActivity(ctx context.Context, ids []string, at time.Time) error
}

type MessageStore interface {
	CreateMessage(ctx context.Context, m Message) (Message, error)
	FindMessage(ctx context.Context, id string) (Message, error)
	// UpdateMessageStatus patches every listed message and returns how many changed.
	UpdateMessageStatus(ctx context.Context, ids []string, status MessageStatus) (int, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n Notification) (Notification, error)
	FindNotification(ctx context.Context, id string) (Notification, error)
	// FindBundleTarget returns the most recent top-level record for the
	// (recipient, sender, type) triple created at or after since.
	FindBundleTarget(ctx context.Context, recipient, sender, typ string, since time.Time) (Notification, bool, error)
	UpdateNotification(ctx context.Context, n Notification) error
	// MarkNotificationsRead marks unread records of recipient as read and
	// returns how many changed.
	MarkNotificationsRead(ctx context.Context, recipient string, ids []string, at time.Time) (int, error)
	ListNotifications(ctx context.Context, recipient string, limit int) ([]Notification, error)
}

// Store is the persistence API used by the core services.
type Store interface {
	UserStore
	MessageStore
	NotificationStore
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory", "mem":
		log.Debug("storage opened", logx.String("driver", "memory"))
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*sqliteStore)(nil)
)
