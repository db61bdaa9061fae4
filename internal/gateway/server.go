// Package gateway exposes the connection manager and the job broker to
// browser clients over HTTP and websockets.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/leibniz-psychology/bawwab/internal/broker"
	"github.com/leibniz-psychology/bawwab/internal/config"
	"github.com/leibniz-psychology/bawwab/internal/logstore"
	"github.com/leibniz-psychology/bawwab/internal/protocol"
	"github.com/leibniz-psychology/bawwab/internal/remote"
	"github.com/leibniz-psychology/bawwab/internal/store"
)

// Deps are the components the gateway serves.
type Deps struct {
	Store  *store.Store
	Conns  *remote.Manager
	Broker *broker.Broker
	Logs   *logstore.LogStore // optional
}

// Server is the HTTP front of the gateway. It owns no state of its own
// besides the login rate limiter; everything else lives in Deps.
type Server struct {
	cfg      *config.Config
	log      zerolog.Logger
	auth     *AuthService
	store    *store.Store
	conns    *remote.Manager
	broker   *broker.Broker
	logs     *logstore.LogStore
	router   *chi.Mux
	upgrader websocket.Upgrader
}

// New creates the gateway server.
func New(cfg *config.Config, log zerolog.Logger, deps Deps) *Server {
	s := &Server{
		cfg:    cfg,
		log:    log.With().Str("component", "gateway").Logger(),
		auth:   NewAuthService(cfg, deps.Store),
		store:  deps.Store,
		conns:  deps.Conns,
		broker: deps.Broker,
		logs:   deps.Logs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if len(cfg.AllowedOrigins) > 0 {
		s.upgrader.CheckOrigin = s.checkOrigin
	}

	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	// Public routes
	r.Get("/health", s.handleHealth)
	r.Post("/login", s.handleLogin)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Use(s.requireCSRF)

		r.Post("/logout", s.handleLogout)

		r.Route("/api", func(r chi.Router) {
			r.Get("/status", s.handleStatus)

			r.Route("/process", func(r chi.Router) {
				r.Post("/", s.handleStartProcess)
				r.Get("/notify", s.handleNotify)
				r.Delete("/{token}", s.handleStopProcess)
			})

			r.Get("/filesystem/*", s.handleFileGet)
			r.Put("/filesystem/*", s.handleFilePut)
			r.Delete("/filesystem/*", s.handleFileDelete)
			r.Post("/filesystem/*", s.handleFileOperation)

			r.Delete("/connection", s.handleDisconnect)

			r.Get("/logs", s.handleListLogs)
			r.Get("/logs/{name}", s.handleGetLog)
		})
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth rejects requests without a valid session.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := s.auth.GetSessionFromRequest(r)
		if err != nil {
			writeStatus(w, http.StatusUnauthorized, protocol.StatusUnauthenticated)
			return
		}
		ctx := withSession(r.Context(), session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireCSRF validates the CSRF token for state-changing requests.
func (s *Server) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		session := sessionFromContext(r.Context())
		if session == nil {
			writeStatus(w, http.StatusUnauthorized, protocol.StatusUnauthenticated)
			return
		}
		if !s.auth.ValidateCSRF(session, r.Header.Get("X-CSRF-Token")) {
			writeStatus(w, http.StatusForbidden, protocol.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed || u.Host == allowed {
			return true
		}
	}
	s.log.Warn().Str("origin", origin).Msg("websocket origin rejected")
	return false
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting gateway")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Hijacked websockets are not tracked by Shutdown; closing the broker's
	// subscribers ends their pumps.
	s.broker.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
