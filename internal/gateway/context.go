package gateway

import (
	"context"

	"github.com/leibniz-psychology/bawwab/internal/store"
)

type contextKey string

const sessionContextKey contextKey = "session"

// withSession adds a session to the context.
func withSession(ctx context.Context, session *store.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}

// sessionFromContext retrieves the session from the context.
func sessionFromContext(ctx context.Context) *store.Session {
	session, _ := ctx.Value(sessionContextKey).(*store.Session)
	return session
}
