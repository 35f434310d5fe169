package httpapi

import "net/http"

// Cookie names and paths. The refresh cookie is scoped to the rotation
// endpoint so it never accompanies ordinary requests.
const (
	accessTokenCookie  = "accessToken"
	refreshTokenCookie = "refreshToken"

	accessTokenPath  = "/"
	refreshTokenPath = "/refresh"
)

func (s *Server) newCookie(name, value, path string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   maxAge,
		Secure:   s.secureCookies,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// setTokenCookies attaches both halves of a freshly issued pair.
func (s *Server) setTokenCookies(w http.ResponseWriter, accessToken, refreshToken string) {
	http.SetCookie(w, s.newCookie(accessTokenCookie, accessToken, accessTokenPath, s.accessTokenMaxAge))
	http.SetCookie(w, s.newCookie(refreshTokenCookie, refreshToken, refreshTokenPath, s.refreshTokenMaxAge))
}

// clearTokenCookies expires both cookies on the client.
func (s *Server) clearTokenCookies(w http.ResponseWriter) {
	http.SetCookie(w, s.newCookie(accessTokenCookie, "", accessTokenPath, -1))
	http.SetCookie(w, s.newCookie(refreshTokenCookie, "", refreshTokenPath, -1))
}
