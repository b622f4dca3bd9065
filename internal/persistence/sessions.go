package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Session maps a stable session key (e.g. "main") to the session id the
// agent runtime uses for its runs.
type Session struct {
	Key         string `json:"key"`
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName,omitempty"`
	LastChannel string `json:"lastChannel,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Message is one persisted chat turn.
type Message struct {
	ID         int64  `json:"id"`
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId,omitempty"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	TS         int64  `json:"ts"`
}

// EnsureSession returns the session for key, creating it with a fresh
// session id when absent, and bumps its updated_at.
func (s *Store) EnsureSession(ctx context.Context, key string) (Session, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Session{}, fmt.Errorf("empty session key")
	}
	now := s.nowMs()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (session_key, session_id, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_key) DO UPDATE SET updated_at = excluded.updated_at;
		`, key, uuid.NewString(), now, now)
		return err
	})
	if err != nil {
		return Session{}, fmt.Errorf("upsert session: %w", err)
	}
	return s.GetSession(ctx, key)
}

// GetSession returns the session stored under key.
func (s *Store) GetSession(ctx context.Context, key string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_key, session_id, display_name, last_channel, created_at, updated_at
		FROM sessions WHERE session_key = ?;
	`, key)
	sess, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return sess, err
}

// SessionKeyForSessionID resolves a session id back to its key.
func (s *Store) SessionKeyForSessionID(ctx context.Context, sessionID string) (string, bool, error) {
	var key string
	err := s.db.QueryRowContext(ctx, `SELECT session_key FROM sessions WHERE session_id = ?;`, sessionID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup session id: %w", err)
	}
	return key, true, nil
}

// ListSessions returns sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_key, session_id, display_name, last_channel, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC, session_key ASC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanSession(scan func(dest ...any) error) (Session, error) {
	var sess Session
	if err := scan(&sess.Key, &sess.SessionID, &sess.DisplayName, &sess.LastChannel, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

// AppendMessage records a chat turn, creating the session if needed.
func (s *Store) AppendMessage(ctx context.Context, sessionKey, runID, role, content string) (Message, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case "system", "user", "assistant", "tool":
	default:
		return Message{}, fmt.Errorf("invalid role %q", role)
	}
	if _, err := s.EnsureSession(ctx, sessionKey); err != nil {
		return Message{}, err
	}
	msg := Message{SessionKey: sessionKey, RunID: runID, Role: role, Content: content, TS: s.nowMs()}
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (session_key, run_id, role, content, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, msg.SessionKey, msg.RunID, msg.Role, msg.Content, msg.TS)
		if err != nil {
			return err
		}
		msg.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// ListHistory returns the newest limit messages of a session in
// chronological order.
func (s *Store) ListHistory(ctx context.Context, sessionKey string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_key, run_id, role, content, created_at FROM (
			SELECT id, session_key, run_id, role, content, created_at
			FROM messages WHERE session_key = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC;
	`, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionKey, &m.RunID, &m.Role, &m.Content, &m.TS); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
