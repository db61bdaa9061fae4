package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session is a logged-in browser.
type Session struct {
	ID        string
	CSRFToken string
	User      string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// CreateSession creates a new session for user.
func (s *Store) CreateSession(ctx context.Context, user string, duration time.Duration) (*Session, error) {
	sessionID, err := generateSecureToken(32)
	if err != nil {
		return nil, err
	}
	csrfToken, err := generateSecureToken(32)
	if err != nil {
		return nil, err
	}

	now := s.now()
	session := &Session{
		ID:        sessionID,
		CSRFToken: csrfToken,
		User:      user,
		CreatedAt: now,
		ExpiresAt: now.Add(duration),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, csrf_token, user_name, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.CSRFToken, session.User, session.CreatedAt, session.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// GetSession retrieves a session. Expired sessions are deleted and
// reported as not found.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	session := &Session{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, csrf_token, user_name, created_at, expires_at FROM sessions WHERE id = ?`,
		sessionID,
	).Scan(&session.ID, &session.CSRFToken, &session.User, &session.CreatedAt, &session.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	if !s.now().Before(session.ExpiresAt) {
		_ = s.DeleteSession(ctx, sessionID)
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	return err
}

// PurgeSessions removes expired sessions and returns how many were removed.
func (s *Store) PurgeSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, s.now())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return res.RowsAffected()
}
