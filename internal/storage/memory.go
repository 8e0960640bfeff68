package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. Values are copied in and out, so callers
// never share maps with the store.
type Memory struct {
	mu     sync.RWMutex
	closed bool

	users         map[string]User
	messages      map[string]Message
	notifications map[string]Notification

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users:         map[string]User{},
		messages:      map[string]Message{},
		notifications: map[string]Notification{},
		now:           time.Now,
	}
}

// SetClock overrides the time source used to stamp created records.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) FindUser(ctx context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return User{}, ErrClosed
	}
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) PutUser(ctx context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.now()
	}
	m.users[u.ID] = u
	return nil
}

func (m *Memory) UpdateOnlineStatus(ctx context.Context, id string, st OnlineStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.IsOnline = st.IsOnline
	if !st.LastActive.IsZero() {
		u.LastActive = st.LastActive
	}
	if st.LastLoginIP != "" {
		u.LastLoginIP = st.LastLoginIP
	}
	m.users[id] = u
	return nil
}

func (m *Memory) GetPrivacyPreference(ctx context.Context, id string) (Privacy, error) {
	u, err := m.FindUser(ctx, id)
	if err != nil {
		return Privacy{}, err
	}
	return Privacy{ShowOnlineStatus: u.ShowOnlineStatus}, nil
}

func (m *Memory) ListOnlineUsers(ctx context.Context) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]User, 0)
	for _, u := range m.users {
		if u.IsOnline {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) TouchActivity(ctx context.Context, ids []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			u.LastActive = at
			m.users[id] = u
		}
	}
	return nil
}

func (m *Memory) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Message{}, ErrClosed
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	if msg.Status == "" {
		msg.Status = MessageSent
	}
	m.messages[msg.ID] = msg
	return msg, nil
}

func (m *Memory) FindMessage(ctx context.Context, id string) (Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Message{}, ErrClosed
	}
	msg, ok := m.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return msg, nil
}

func (m *Memory) UpdateMessageStatus(ctx context.Context, ids []string, status MessageStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, id := range ids {
		msg, ok := m.messages[id]
		if !ok || msg.Status == status {
			continue
		}
		msg.Status = status
		m.messages[id] = msg
		n++
	}
	return n, nil
}

func (m *Memory) CreateNotification(ctx context.Context, n Notification) (Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Notification{}, ErrClosed
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	now := m.now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = n.CreatedAt
	}
	if n.Count <= 0 {
		n.Count = 1
	}
	m.notifications[n.ID] = n.clone()
	return n.clone(), nil
}

func (m *Memory) FindNotification(ctx context.Context, id string) (Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Notification{}, ErrClosed
	}
	n, ok := m.notifications[id]
	if !ok {
		return Notification{}, ErrNotFound
	}
	return n.clone(), nil
}

func (m *Memory) FindBundleTarget(ctx context.Context, recipient, sender, typ string, since time.Time) (Notification, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Notification{}, false, ErrClosed
	}
	var best Notification
	found := false
	for _, n := range m.notifications {
		if n.Recipient != recipient || n.Sender != sender || n.Type != typ {
			continue
		}
		if n.ParentNotification != "" || n.CreatedAt.Before(since) {
			continue
		}
		if !found || n.CreatedAt.After(best.CreatedAt) {
			best, found = n, true
		}
	}
	if !found {
		return Notification{}, false, nil
	}
	return best.clone(), true, nil
}

func (m *Memory) UpdateNotification(ctx context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.notifications[n.ID]; !ok {
		return ErrNotFound
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = m.now()
	}
	m.notifications[n.ID] = n.clone()
	return nil
}

func (m *Memory) MarkNotificationsRead(ctx context.Context, recipient string, ids []string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	changed := 0
	for _, id := range ids {
		n, ok := m.notifications[id]
		if !ok || n.Recipient != recipient || n.Read {
			continue
		}
		t := at
		n.Read = true
		n.ReadAt = &t
		n.UpdatedAt = at
		m.notifications[id] = n
		changed++
	}
	return changed, nil
}

func (m *Memory) ListNotifications(ctx context.Context, recipient string, limit int) ([]Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Notification, 0)
	for _, n := range m.notifications {
		if n.Recipient == recipient {
			out = append(out, n.clone())
		}
	}
	slices.SortFunc(out, func(a, b Notification) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
