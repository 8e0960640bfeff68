package storage

import (
	"errors"
	"maps"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (default)
//   - "sqlite": Path is required
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Instrument opens the sqlite handle through otelsql.
	Instrument bool
}

type User struct {
	ID       string
	Username string
	// TokenVersion is bumped to revoke every credential issued before it.
	TokenVersion     int
	IsOnline         bool
	LastActive       time.Time
	LastLoginIP      string
	ShowOnlineStatus bool
	CreatedAt        time.Time
}

// OnlineStatus is the patch written on connect, disconnect and reconciliation.
type OnlineStatus struct {
	IsOnline    bool
	LastActive  time.Time
	LastLoginIP string // empty keeps the stored value
}

type Privacy struct {
	ShowOnlineStatus bool
}

type MessageStatus string

const (
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

type Message struct {
	ID          string
	SenderID    string
	RecipientID string
	Type        string
	Content     string
	Status      MessageStatus
	CreatedAt   time.Time
}

// Notification is the durable notification record. Count grows while a
// bundle collects contributions inside its window.
type Notification struct {
	ID                 string
	Recipient          string
	Sender             string
	Type               string
	Content            string
	Data               map[string]any
	Count              int
	BundleKey          string
	Read               bool
	ReadAt             *time.Time
	ParentNotification string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (n Notification) clone() Notification {
	if n.Data != nil {
		n.Data = maps.Clone(n.Data)
	}
	if n.ReadAt != nil {
		t := *n.ReadAt
		n.ReadAt = &t
	}
	return n
}
