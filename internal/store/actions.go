package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Action is a delegated command. Whoever presents the token may run Command
// on the backend connection of User; the placeholder {user} in Command is
// replaced by the name of the caller.
type Action struct {
	Token     string
	User      string
	Command   []string
	ExtraData json.RawMessage
	CreatedAt time.Time
	ExpiresAt *time.Time
	// UsesRemaining is nil for unlimited use.
	UsesRemaining *int
}

// NewAction describes an action to mint.
type NewAction struct {
	User      string
	Command   []string
	ExtraData json.RawMessage
	TTL       time.Duration // zero means no expiry
	Uses      int           // zero means unlimited
}

// CreateAction mints a new action token.
func (s *Store) CreateAction(ctx context.Context, na NewAction) (*Action, error) {
	if len(na.Command) == 0 {
		return nil, errors.New("action without command")
	}
	token, err := generateSecureToken(24)
	if err != nil {
		return nil, err
	}
	command, err := json.Marshal(na.Command)
	if err != nil {
		return nil, err
	}

	a := &Action{
		Token:     token,
		User:      na.User,
		Command:   na.Command,
		ExtraData: na.ExtraData,
		CreatedAt: s.now(),
	}
	if na.TTL > 0 {
		exp := a.CreatedAt.Add(na.TTL)
		a.ExpiresAt = &exp
	}
	if na.Uses > 0 {
		uses := na.Uses
		a.UsesRemaining = &uses
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO actions (token, user_name, command, extra_data, created_at, expires_at, uses_remaining)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.Token, a.User, string(command), nullString(string(na.ExtraData)), a.CreatedAt, a.ExpiresAt, a.UsesRemaining)
	if err != nil {
		return nil, fmt.Errorf("create action: %w", err)
	}
	s.log.Info().Str("user", a.User).Strs("command", a.Command).Msg("action created")
	return a, nil
}

// ResolveAction looks up a token and consumes one use. Unknown tokens fail
// with ErrActionNotFound, expired or used up ones with ErrActionExpired.
func (s *Store) ResolveAction(ctx context.Context, token string) (*Action, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		a         Action
		command   string
		extraData sql.NullString
		expiresAt sql.NullTime
		uses      sql.NullInt64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT token, user_name, command, extra_data, created_at, expires_at, uses_remaining
		FROM actions WHERE token = ?
	`, token).Scan(&a.Token, &a.User, &command, &extraData, &a.CreatedAt, &expiresAt, &uses)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrActionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get action: %w", err)
	}

	if expiresAt.Valid {
		exp := expiresAt.Time
		a.ExpiresAt = &exp
		if !s.now().Before(exp) {
			return nil, ErrActionExpired
		}
	}
	if uses.Valid {
		if uses.Int64 <= 0 {
			return nil, ErrActionExpired
		}
		left := int(uses.Int64 - 1)
		a.UsesRemaining = &left
		if _, err := tx.ExecContext(ctx, `UPDATE actions SET uses_remaining = ? WHERE token = ?`, left, token); err != nil {
			return nil, fmt.Errorf("consume action: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(command), &a.Command); err != nil {
		return nil, fmt.Errorf("decode action command: %w", err)
	}
	if extraData.Valid {
		a.ExtraData = json.RawMessage(extraData.String)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &a, nil
}

// PurgeActions removes expired and used up actions.
func (s *Store) PurgeActions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM actions
		WHERE (expires_at IS NOT NULL AND expires_at <= ?) OR uses_remaining <= 0
	`, s.now())
	if err != nil {
		return 0, fmt.Errorf("purge actions: %w", err)
	}
	return res.RowsAffected()
}
