// Package httpapi exposes the token lifecycle over HTTP with cookie
// transport. Access tokens travel in a cookie scoped to "/", refresh tokens
// in a cookie scoped to "/refresh" so browsers only present them to the
// rotation endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/tokenvault/internal/logging"
	"github.com/dmitrijs2005/tokenvault/internal/server/auth"
	"github.com/dmitrijs2005/tokenvault/internal/server/config"
	"github.com/dmitrijs2005/tokenvault/internal/server/services"
)

// Identity is what the resolver vouches for after checking credentials.
type Identity struct {
	Email string
	Name  string
}

// IdentityResolver checks a credential pair against an external identity
// source. Any error means the credentials were not accepted; the HTTP layer
// never distinguishes why.
type IdentityResolver interface {
	Resolve(ctx context.Context, email, password string) (*Identity, error)
}

// Server is the HTTP front of the token lifecycle service.
type Server struct {
	srv      *http.Server
	service  *services.TokenService
	codec    *auth.Codec
	resolver IdentityResolver
	log      logging.Logger

	accessTokenMaxAge  int
	refreshTokenMaxAge int
	secureCookies      bool
}

// NewServer wires the handlers onto a ServeMux and prepares the listener.
func NewServer(cfg *config.Config, service *services.TokenService, codec *auth.Codec, resolver IdentityResolver, log logging.Logger) *Server {
	s := &Server{
		service:            service,
		codec:              codec,
		resolver:           resolver,
		log:                log,
		accessTokenMaxAge:  int(cfg.AccessTokenValidityDuration.Seconds()),
		refreshTokenMaxAge: int(cfg.RefreshTokenValidityDuration.Seconds()),
		secureCookies:      cfg.SecureCookies,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /me", s.handleMe)
	mux.HandleFunc("POST /refresh", s.handleRefresh)
	mux.HandleFunc("POST /logout", s.handleLogout)
	mux.HandleFunc("POST /logout/all", s.handleLogoutAll)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.srv = &http.Server{
		Addr:    cfg.EndpointAddrHTTP,
		Handler: s.withRequestID(mux),
	}
	return s
}

// Handler returns the root handler, used by the httptest suites.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// withRequestID tags every request with a correlation id, echoed in the
// X-Request-Id header and attached to the access log line.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r)
		s.log.Debug(r.Context(), "request handled", "request_id", requestID, "method", r.Method, "path", r.URL.Path)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// All rejection reasons produce the same body, so clients cannot probe
// which check failed.
func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "unauthorized"})
}

func writeUnavailable(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "service unavailable"})
}
