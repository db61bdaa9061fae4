package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/leibniz-psychology/bawwab/internal/remote"
)

// User is a gateway account mapped onto one backend account of the same
// name.
type User struct {
	Name         string
	PasswordHash string
	TOTPSecret   string
	CreatedAt    time.Time
}

// HasTOTP reports whether the user logs in with a second factor.
func (u *User) HasTOTP() bool { return u.TOTPSecret != "" }

// CheckPassword verifies a login password against the stored hash.
func (u *User) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// NewUser describes an account to create.
type NewUser struct {
	Name        string
	Password    string // gateway login password, stored as bcrypt hash
	TOTPSecret  string
	SSHPassword string // backend password, stored sealed
}

// CreateUser adds an account.
func (s *Store) CreateUser(ctx context.Context, nu NewUser) error {
	if nu.Name == "" || strings.ContainsAny(nu.Name, "/\x00") {
		return fmt.Errorf("invalid user name %q", nu.Name)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(nu.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	sealed, err := s.key.Seal(nu.SSHPassword)
	if err != nil {
		return fmt.Errorf("seal backend password: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (name, password_hash, totp_secret, ssh_password, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, nu.Name, string(hash), nullString(nu.TOTPSecret), sealed, s.now())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrUserExists
		}
		return fmt.Errorf("create user: %w", err)
	}
	s.log.Info().Str("user", nu.Name).Msg("user created")
	return nil
}

// GetUser retrieves an account by name.
func (s *Store) GetUser(ctx context.Context, name string) (*User, error) {
	var u User
	var totp sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT name, password_hash, totp_secret, created_at FROM users WHERE name = ?
	`, name).Scan(&u.Name, &u.PasswordHash, &totp, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.TOTPSecret = totp.String
	return &u, nil
}

// DeleteUser removes an account together with its sessions and actions.
func (s *Store) DeleteUser(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Credentials resolves the backend login of a user. It implements
// remote.CredentialSource.
func (s *Store) Credentials(ctx context.Context, user string) (remote.Credentials, error) {
	var sealed string
	err := s.db.QueryRowContext(ctx, `SELECT ssh_password FROM users WHERE name = ?`, user).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return remote.Credentials{}, fmt.Errorf("%w: %s", remote.ErrNoCredentials, user)
	}
	if err != nil {
		return remote.Credentials{}, fmt.Errorf("load credentials: %w", err)
	}
	password, err := s.key.Open(sealed)
	if err != nil {
		return remote.Credentials{}, fmt.Errorf("unseal credentials of %s: %w", user, err)
	}
	return remote.Credentials{User: user, Password: password}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
