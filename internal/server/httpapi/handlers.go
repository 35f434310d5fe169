package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dmitrijs2005/tokenvault/internal/common"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleLogin checks credentials with the resolver and, on success, issues a
// token pair and sets both cookies.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad request"})
		return
	}

	identity, err := s.resolver.Resolve(r.Context(), req.Email, req.Password)
	if err != nil {
		writeUnauthorized(w)
		return
	}

	pair, err := s.service.Issue(r.Context(), identity.Email, identity.Name)
	if err != nil {
		s.log.Error(r.Context(), "issuing token pair", "error", err.Error())
		writeUnavailable(w)
		return
	}

	s.setTokenCookies(w, pair.AccessToken, pair.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]string{"email": identity.Email, "name": identity.Name})
}

// handleMe returns the identity claims of the presented access token.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(accessTokenCookie)
	if err != nil {
		writeUnauthorized(w)
		return
	}
	claims, err := s.codec.VerifyAccess(cookie.Value)
	if err != nil {
		writeUnauthorized(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"email": claims.Subject, "name": claims.Name})
}

// handleRefresh rotates the presented refresh token. A rejected token clears
// both cookies so the client falls back to login; a store outage does not.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshTokenCookie)
	if err != nil {
		writeUnauthorized(w)
		return
	}

	pair, err := s.service.Rotate(r.Context(), cookie.Value)
	if err != nil {
		if errors.Is(err, common.ErrStoreUnavailable) {
			s.log.Error(r.Context(), "rotating refresh token", "error", err.Error())
			writeUnavailable(w)
			return
		}
		s.clearTokenCookies(w)
		writeUnauthorized(w)
		return
	}

	s.setTokenCookies(w, pair.AccessToken, pair.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]string{"message": "access token refreshed"})
}

// handleLogout revokes the presented refresh token best-effort and clears
// cookies. Always answers 200: logging out twice is not an error.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(refreshTokenCookie); err == nil {
		if claims, err := s.codec.VerifyRefresh(cookie.Value); err == nil {
			if err := s.service.RevokeOne(r.Context(), claims.TokenID); err != nil {
				s.log.Warn(r.Context(), "revoking refresh token on logout", "error", err.Error())
			}
		}
	}
	s.clearTokenCookies(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// handleLogoutAll revokes every refresh token of the authenticated owner.
func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(accessTokenCookie)
	if err != nil {
		writeUnauthorized(w)
		return
	}
	claims, err := s.codec.VerifyAccess(cookie.Value)
	if err != nil {
		writeUnauthorized(w)
		return
	}

	n, err := s.service.RevokeAll(r.Context(), claims.Subject)
	if err != nil {
		s.log.Error(r.Context(), "revoking all refresh tokens", "error", err.Error())
		writeUnavailable(w)
		return
	}

	s.clearTokenCookies(w)
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
