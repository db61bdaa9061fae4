package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/leibniz-psychology/bawwab/internal/config"
	"github.com/leibniz-psychology/bawwab/internal/store"
)

const sessionCookie = "bawwab_session"

// errBadLogin covers unknown users, wrong passwords and wrong second
// factors alike.
var errBadLogin = errors.New("invalid login")

// loginGuard throttles password guessing. Failed logins are counted per
// client address and per account name; once either reaches the limit within
// the window, logins from that address or for that account are refused.
type loginGuard struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

func newLoginGuard(limit int, window time.Duration) *loginGuard {
	return &loginGuard{
		failures: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

func guardKeys(ip, user string) [2]string {
	return [2]string{"ip:" + ip, "user:" + user}
}

// recent drops failures outside the window and returns the rest. Callers
// hold g.mu.
func (g *loginGuard) recent(key string, now time.Time) []time.Time {
	cutoff := now.Add(-g.window)
	kept := g.failures[key][:0]
	for _, t := range g.failures[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(g.failures, key)
		return nil
	}
	g.failures[key] = kept
	return kept
}

// Blocked reports whether a login from ip for user must be refused.
func (g *loginGuard) Blocked(ip, user string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for _, key := range guardKeys(ip, user) {
		if len(g.recent(key, now)) >= g.limit {
			return true
		}
	}
	return false
}

// Fail records a failed login.
func (g *loginGuard) Fail(ip, user string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for _, key := range guardKeys(ip, user) {
		g.failures[key] = append(g.recent(key, now), now)
	}
}

// Succeed forgets the failures of the address and the account.
func (g *loginGuard) Succeed(ip, user string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, key := range guardKeys(ip, user) {
		delete(g.failures, key)
	}
}

// AuthService handles authentication.
type AuthService struct {
	cfg   *config.Config
	store *store.Store
	guard *loginGuard
}

// NewAuthService creates a new auth service.
func NewAuthService(cfg *config.Config, st *store.Store) *AuthService {
	return &AuthService{
		cfg:   cfg,
		store: st,
		guard: newLoginGuard(cfg.RateLimitRequests, cfg.RateLimitWindow),
	}
}

// Login verifies password and, if the user has one, the TOTP code, then
// opens a session.
func (a *AuthService) Login(ctx context.Context, name, password, code string) (*store.Session, error) {
	u, err := a.store.GetUser(ctx, name)
	if errors.Is(err, store.ErrUserNotFound) {
		return nil, errBadLogin
	}
	if err != nil {
		return nil, err
	}
	if !u.CheckPassword(password) {
		return nil, errBadLogin
	}
	if u.HasTOTP() && !totp.Validate(code, u.TOTPSecret) {
		return nil, errBadLogin
	}
	return a.store.CreateSession(ctx, u.Name, a.cfg.SessionDuration)
}

// ValidateCSRF checks if the CSRF token matches the session.
func (a *AuthService) ValidateCSRF(session *store.Session, token string) bool {
	return subtle.ConstantTimeCompare([]byte(session.CSRFToken), []byte(token)) == 1
}

// Throttled reports whether too many logins from ip or for user failed
// recently.
func (a *AuthService) Throttled(ip, user string) bool {
	return a.guard.Blocked(ip, user)
}

// RecordLogin feeds the outcome of a login attempt to the throttle.
func (a *AuthService) RecordLogin(ip, user string, ok bool) {
	if ok {
		a.guard.Succeed(ip, user)
		return
	}
	a.guard.Fail(ip, user)
}

// SetSessionCookie sets the session cookie on the response.
func (a *AuthService) SetSessionCookie(w http.ResponseWriter, session *store.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
		Expires:  session.ExpiresAt,
	})
}

// ClearSessionCookie clears the session cookie.
func (a *AuthService) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   a.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

// GetSessionFromRequest extracts the session from the request cookie.
func (a *AuthService) GetSessionFromRequest(r *http.Request) (*store.Session, error) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil, err
	}
	return a.store.GetSession(r.Context(), cookie.Value)
}

// DeleteSession ends a session.
func (a *AuthService) DeleteSession(ctx context.Context, id string) error {
	return a.store.DeleteSession(ctx, id)
}
