// Package store persists chat sessions, messages, widget configs, and
// notifications in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"chatwire/internal/domain"
	"chatwire/pkg/realtime"
)

// SQLiteStore implements domain.Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ domain.Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs
// the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open chat db: %w", err)
	}

	// SQLite write safety: single writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate chat db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id         INTEGER PRIMARY KEY,
			user_id    INTEGER NOT NULL,
			widget_id  INTEGER NOT NULL,
			status     TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id         INTEGER PRIMARY KEY,
			session_id INTEGER NOT NULL,
			sender     TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, id)`,
		`CREATE TABLE IF NOT EXISTS widget_configs (
			id         INTEGER PRIMARY KEY,
			user_id    INTEGER NOT NULL,
			name       TEXT NOT NULL,
			theme      TEXT NOT NULL DEFAULT 'light',
			settings   TEXT NOT NULL DEFAULT '{}',
			active     INTEGER NOT NULL DEFAULT 1,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id         INTEGER PRIMARY KEY,
			user_id    INTEGER NOT NULL,
			kind       TEXT NOT NULL,
			title      TEXT NOT NULL,
			body       TEXT NOT NULL DEFAULT '',
			read       INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, read)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, userID, widgetID int64) (realtime.ChatSession, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO chat_sessions (user_id, widget_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		userID, widgetID, domain.SessionActive,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return realtime.ChatSession{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return realtime.ChatSession{}, err
	}
	return realtime.ChatSession{
		ID:        id,
		UserID:    userID,
		WidgetID:  widgetID,
		Status:    domain.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) SessionByID(ctx context.Context, id int64) (realtime.ChatSession, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, widget_id, status, created_at, updated_at FROM chat_sessions WHERE id = ?", id,
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return realtime.ChatSession{}, domain.ErrSessionNotFound
	}
	return sess, err
}

func (s *SQLiteStore) SessionsByUser(ctx context.Context, userID int64) ([]realtime.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, widget_id, status, created_at, updated_at FROM chat_sessions WHERE user_id = ? ORDER BY id",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []realtime.ChatSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id int64, status string) (realtime.ChatSession, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"UPDATE chat_sessions SET status = ?, updated_at = ? WHERE id = ?",
		status, now.Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return realtime.ChatSession{}, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return realtime.ChatSession{}, domain.ErrSessionNotFound
	}
	return s.SessionByID(ctx, id)
}

func (s *SQLiteStore) TouchSession(ctx context.Context, id int64) (realtime.ChatSession, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"UPDATE chat_sessions SET updated_at = ? WHERE id = ?",
		now.Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return realtime.ChatSession{}, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return realtime.ChatSession{}, domain.ErrSessionNotFound
	}
	return s.SessionByID(ctx, id)
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID int64, sender, content string) (realtime.ChatMessage, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO chat_messages (session_id, sender, content, created_at) VALUES (?, ?, ?, ?)",
		sessionID, sender, content, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return realtime.ChatMessage{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return realtime.ChatMessage{}, err
	}
	return realtime.ChatMessage{
		ID:        id,
		SessionID: sessionID,
		Sender:    sender,
		Content:   content,
		CreatedAt: now,
	}, nil
}

// MessagesBySession returns the session transcript oldest first. A limit
// of 0 returns everything.
func (s *SQLiteStore) MessagesBySession(ctx context.Context, sessionID int64, limit int) ([]realtime.ChatMessage, error) {
	query := "SELECT id, session_id, sender, content, created_at FROM chat_messages WHERE session_id = ? ORDER BY id"
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []realtime.ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	// RFC3339Nano trims trailing zeros, so lexicographic comparison is
	// unsafe. datetime() normalizes both sides.
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM chat_messages WHERE datetime(created_at) < datetime(?)",
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) UpsertWidgetConfig(ctx context.Context, cfg realtime.WidgetConfig) (realtime.WidgetConfig, error) {
	now := time.Now().UTC()
	settings := cfg.Settings
	if len(settings) == 0 {
		settings = json.RawMessage("{}")
	}
	if !json.Valid(settings) {
		return realtime.WidgetConfig{}, fmt.Errorf("widget settings: %w", domain.ErrPayloadInvalid)
	}

	cfg.Settings = settings
	cfg.UpdatedAt = now

	if cfg.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			"INSERT INTO widget_configs (user_id, name, theme, settings, active, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
			cfg.UserID, cfg.Name, cfg.Theme, string(settings), cfg.Active, now.Format(time.RFC3339Nano),
		)
		if err != nil {
			return realtime.WidgetConfig{}, err
		}
		cfg.ID, err = res.LastInsertId()
		if err != nil {
			return realtime.WidgetConfig{}, err
		}
		return cfg, nil
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO widget_configs (id, user_id, name, theme, settings, active, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			name = excluded.name,
			theme = excluded.theme,
			settings = excluded.settings,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		cfg.ID, cfg.UserID, cfg.Name, cfg.Theme, string(settings), cfg.Active, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return realtime.WidgetConfig{}, err
	}
	return cfg, nil
}

func (s *SQLiteStore) WidgetConfigByID(ctx context.Context, id int64) (realtime.WidgetConfig, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, name, theme, settings, active, updated_at FROM widget_configs WHERE id = ?", id,
	)
	cfg, err := scanWidgetConfig(row)
	if err == sql.ErrNoRows {
		return realtime.WidgetConfig{}, domain.ErrWidgetNotFound
	}
	return cfg, err
}

func (s *SQLiteStore) WidgetConfigsByUser(ctx context.Context, userID int64) ([]realtime.WidgetConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, name, theme, settings, active, updated_at FROM widget_configs WHERE user_id = ? ORDER BY id",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cfgs []realtime.WidgetConfig
	for rows.Next() {
		cfg, err := scanWidgetConfig(rows)
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs, rows.Err()
}

// DeleteWidgetConfig removes a widget config and returns the deleted row
// so callers can emit a change event carrying the old record.
func (s *SQLiteStore) DeleteWidgetConfig(ctx context.Context, id int64) (realtime.WidgetConfig, error) {
	cfg, err := s.WidgetConfigByID(ctx, id)
	if err != nil {
		return realtime.WidgetConfig{}, err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM widget_configs WHERE id = ?", id); err != nil {
		return realtime.WidgetConfig{}, err
	}
	return cfg, nil
}

func (s *SQLiteStore) CreateNotification(ctx context.Context, n realtime.Notification) (realtime.Notification, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO notifications (user_id, kind, title, body, read, created_at) VALUES (?, ?, ?, ?, 0, ?)",
		n.UserID, n.Kind, n.Title, n.Body, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return realtime.Notification{}, err
	}
	n.ID, err = res.LastInsertId()
	if err != nil {
		return realtime.Notification{}, err
	}
	n.Read = false
	n.CreatedAt = now
	return n, nil
}

func (s *SQLiteStore) MarkNotificationRead(ctx context.Context, id int64) (realtime.Notification, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE notifications SET read = 1 WHERE id = ?", id)
	if err != nil {
		return realtime.Notification{}, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return realtime.Notification{}, domain.ErrNotificationNotFound
	}
	return s.notificationByID(ctx, id)
}

// NotificationsByUser returns a user's notifications newest first.
func (s *SQLiteStore) NotificationsByUser(ctx context.Context, userID int64, unreadOnly bool) ([]realtime.Notification, error) {
	query := "SELECT id, user_id, kind, title, body, read, created_at FROM notifications WHERE user_id = ?"
	if unreadOnly {
		query += " AND read = 0"
	}
	query += " ORDER BY id DESC"

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ns []realtime.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		ns = append(ns, n)
	}
	return ns, rows.Err()
}

func (s *SQLiteStore) DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM notifications WHERE datetime(created_at) < datetime(?)",
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) notificationByID(ctx context.Context, id int64) (realtime.Notification, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, kind, title, body, read, created_at FROM notifications WHERE id = ?", id,
	)
	n, err := scanNotification(row)
	if err == sql.ErrNoRows {
		return realtime.Notification{}, domain.ErrNotificationNotFound
	}
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (realtime.ChatSession, error) {
	var sess realtime.ChatSession
	var created, updated string
	if err := sc.Scan(&sess.ID, &sess.UserID, &sess.WidgetID, &sess.Status, &created, &updated); err != nil {
		return realtime.ChatSession{}, err
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return sess, nil
}

func scanMessage(sc scanner) (realtime.ChatMessage, error) {
	var m realtime.ChatMessage
	var created string
	if err := sc.Scan(&m.ID, &m.SessionID, &m.Sender, &m.Content, &created); err != nil {
		return realtime.ChatMessage{}, err
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return m, nil
}

func scanWidgetConfig(sc scanner) (realtime.WidgetConfig, error) {
	var cfg realtime.WidgetConfig
	var settings, updated string
	if err := sc.Scan(&cfg.ID, &cfg.UserID, &cfg.Name, &cfg.Theme, &settings, &cfg.Active, &updated); err != nil {
		return realtime.WidgetConfig{}, err
	}
	cfg.Settings = json.RawMessage(settings)
	cfg.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return cfg, nil
}

func scanNotification(sc scanner) (realtime.Notification, error) {
	var n realtime.Notification
	var created string
	if err := sc.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Body, &n.Read, &created); err != nil {
		return realtime.Notification{}, err
	}
	n.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return n, nil
}
