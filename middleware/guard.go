package middleware

import (
	"net/http"
	"strings"

	"github.com/kbgapp/kbgauth"
	"github.com/kbgapp/kbgauth/jwt"
)

// SessionCookie is the cookie the session token is read from when no
// Authorization header is sent.
const SessionCookie = "kbg_session"

// SessionVerifier checks a session token and returns its claims.
type SessionVerifier interface {
	ParseSession(token string) (*jwt.SessionClaims, error)
}

// RequireSession responds 401 unless the request carries a session that
// verifier accepts.
func RequireSession(verifier SessionVerifier) func(http.Handler) http.Handler {
	return guard(verifier, true)
}

// OptionalSession attaches the principal for valid sessions and otherwise
// serves the request anonymously. Password reset routes sit behind it so the
// engine can refuse logged-in callers.
func OptionalSession(verifier SessionVerifier) func(http.Handler) http.Handler {
	return guard(verifier, false)
}

func guard(verifier SessionVerifier, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := principal(verifier, r)
			if !ok {
				if required {
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(kbgauth.WithPrincipal(r.Context(), p)))
		})
	}
}

func principal(verifier SessionVerifier, r *http.Request) (kbgauth.Principal, bool) {
	if verifier == nil {
		return kbgauth.Principal{}, false
	}
	token, ok := sessionToken(r)
	if !ok {
		return kbgauth.Principal{}, false
	}
	claims, err := verifier.ParseSession(token)
	if err != nil || claims == nil {
		return kbgauth.Principal{}, false
	}
	return kbgauth.Principal{UserID: claims.UID, Email: claims.Email}, true
}

func sessionToken(r *http.Request) (string, bool) {
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return token, true
	}
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value, true
	}
	return "", false
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}
