package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	_ "modernc.org/sqlite"

	logx "pulse/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	var (
		db  *sql.DB
		err error
	)
	if cfg.Instrument {
		db, err = otelsql.Open("sqlite", path, otelsql.WithAttributes(attribute.String("db.system", "sqlite")))
	} else {
		db, err = sql.Open("sqlite", path)
	}
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, now: time.Now}
	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("storage opened", logx.String("driver", "sqlite"), logx.String("path", path), logx.Bool("instrumented", cfg.Instrument))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) FindUser(ctx context.Context, id string) (User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, token_version, is_online, last_active, last_login_ip, show_online_status, created_at
		 FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (s *sqliteStore) PutUser(ctx context.Context, u User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, username, token_version, is_online, last_active, last_login_ip, show_online_status, created_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   username=excluded.username,
		   token_version=excluded.token_version,
		   is_online=excluded.is_online,
		   last_active=excluded.last_active,
		   last_login_ip=excluded.last_login_ip,
		   show_online_status=excluded.show_online_status`,
		u.ID, u.Username, u.TokenVersion, boolInt(u.IsOnline), toMS(u.LastActive), nullStr(u.LastLoginIP),
		boolInt(u.ShowOnlineStatus), toMS(u.CreatedAt),
	)
	return err
}

func (s *sqliteStore) UpdateOnlineStatus(ctx context.Context, id string, st OnlineStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET
		   is_online = ?,
		   last_active = CASE WHEN ? > 0 THEN ? ELSE last_active END,
		   last_login_ip = COALESCE(?, last_login_ip)
		 WHERE id = ?`,
		boolInt(st.IsOnline), toMS(st.LastActive), toMS(st.LastActive), nullStr(st.LastLoginIP), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) GetPrivacyPreference(ctx context.Context, id string) (Privacy, error) {
	var show int
	err := s.db.QueryRowContext(ctx, `SELECT show_online_status FROM users WHERE id = ?`, id).Scan(&show)
	if errors.Is(err, sql.ErrNoRows) {
		return Privacy{}, ErrNotFound
	}
	if err != nil {
		return Privacy{}, err
	}
	return Privacy{ShowOnlineStatus: show != 0}, nil
}

func (s *sqliteStore) ListOnlineUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, token_version, is_online, last_active, last_login_ip, show_online_status, created_at
		 FROM users WHERE is_online = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TouchActivity(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, toMS(at))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_active = ? WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

func (s *sqliteStore) CreateMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	if m.Status == "" {
		m.Status = MessageSent
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(id, sender_id, recipient_id, type, content, status, created_at) VALUES(?,?,?,?,?,?,?)`,
		m.ID, m.SenderID, m.RecipientID, m.Type, m.Content, string(m.Status), toMS(m.CreatedAt),
	)
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *sqliteStore) FindMessage(ctx context.Context, id string) (Message, error) {
	var (
		m      Message
		status string
		at     int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, sender_id, recipient_id, type, content, status, created_at FROM messages WHERE id = ?`, id,
	).Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Type, &m.Content, &status, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	m.Status = MessageStatus(status)
	m.CreatedAt = fromMS(at)
	return m, nil
}

func (s *sqliteStore) UpdateMessageStatus(ctx context.Context, ids []string, status MessageStatus) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, string(status), string(status))
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE status <> ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) CreateNotification(ctx context.Context, n Notification) (Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = n.CreatedAt
	}
	if n.Count <= 0 {
		n.Count = 1
	}
	data, err := encodeData(n.Data)
	if err != nil {
		return Notification{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, recipient, sender, type, content, data, count, bundle_key, is_read, read_at, parent_notification, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.Recipient, n.Sender, n.Type, n.Content, data, n.Count, nullStr(n.BundleKey),
		boolInt(n.Read), nullMS(n.ReadAt), nullStr(n.ParentNotification), toMS(n.CreatedAt), toMS(n.UpdatedAt),
	)
	if err != nil {
		return Notification{}, err
	}
	return n.clone(), nil
}

const notificationCols = `id, recipient, sender, type, content, data, count, bundle_key, is_read, read_at, parent_notification, created_at, updated_at`

func (s *sqliteStore) FindNotification(ctx context.Context, id string) (Notification, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+notificationCols+` FROM notifications WHERE id = ?`, id)
	return scanNotification(row)
}

func (s *sqliteStore) FindBundleTarget(ctx context.Context, recipient, sender, typ string, since time.Time) (Notification, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+notificationCols+` FROM notifications
		 WHERE recipient = ? AND sender = ? AND type = ? AND created_at >= ?
		   AND (parent_notification IS NULL OR parent_notification = '')
		 ORDER BY created_at DESC LIMIT 1`,
		recipient, sender, typ, toMS(since))
	n, err := scanNotification(row)
	if errors.Is(err, ErrNotFound) {
		return Notification{}, false, nil
	}
	if err != nil {
		return Notification{}, false, err
	}
	return n, true, nil
}

func (s *sqliteStore) UpdateNotification(ctx context.Context, n Notification) error {
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = s.now()
	}
	data, err := encodeData(n.Data)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET content=?, data=?, count=?, bundle_key=?, is_read=?, read_at=?, parent_notification=?, updated_at=?
		 WHERE id = ?`,
		n.Content, data, n.Count, nullStr(n.BundleKey), boolInt(n.Read), nullMS(n.ReadAt),
		nullStr(n.ParentNotification), toMS(n.UpdatedAt), n.ID,
	)
	if err != nil {
		return err
	}
	if c, _ := res.RowsAffected(); c == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) MarkNotificationsRead(ctx context.Context, recipient string, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+3)
	args = append(args, toMS(at), toMS(at), recipient)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1, read_at = ?, updated_at = ?
		 WHERE recipient = ? AND is_read = 0 AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) ListNotifications(ctx context.Context, recipient string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationCols+` FROM notifications WHERE recipient = ? ORDER BY created_at DESC LIMIT ?`,
		recipient, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (User, error) {
	var (
		u                     User
		online, show          int
		lastActive, createdAt int64
		ip                    sql.NullString
	)
	err := row.Scan(&u.ID, &u.Username, &u.TokenVersion, &online, &lastActive, &ip, &show, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.IsOnline = online != 0
	u.ShowOnlineStatus = show != 0
	u.LastActive = fromMS(lastActive)
	u.CreatedAt = fromMS(createdAt)
	u.LastLoginIP = ip.String
	return u, nil
}

func scanNotification(row scanner) (Notification, error) {
	var (
		n                    Notification
		data, key, parent    sql.NullString
		read                 int
		readAt               sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&n.ID, &n.Recipient, &n.Sender, &n.Type, &n.Content, &data, &n.Count, &key,
		&read, &readAt, &parent, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, ErrNotFound
	}
	if err != nil {
		return Notification{}, err
	}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &n.Data); err != nil {
			return Notification{}, fmt.Errorf("notification %s: decode data: %w", n.ID, err)
		}
	}
	n.BundleKey = key.String
	n.ParentNotification = parent.String
	n.Read = read != 0
	if readAt.Valid {
		t := fromMS(readAt.Int64)
		n.ReadAt = &t
	}
	n.CreatedAt = fromMS(createdAt)
	n.UpdatedAt = fromMS(updatedAt)
	return n, nil
}

func encodeData(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode notification data: %w", err)
	}
	return string(b), nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func toMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullMS(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
