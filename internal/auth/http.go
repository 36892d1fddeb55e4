// ABOUTME: HTTP middleware authenticating API callers by bearer token
// ABOUTME: Accepts the static service token or an HS256 access JWT and stores the Caller in context

package auth

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ayman-m/yaragent/internal/config"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Authenticator turns a bearer token into a Caller.
type Authenticator struct {
	verifier TokenVerifier
	apiToken string
	logger   *slog.Logger
}

// NewAuthenticator builds an Authenticator from config. With neither a JWT
// secret nor an API token configured, authentication is disabled and every
// request runs as an anonymous caller.
func NewAuthenticator(cfg config.AuthConfig, logger *slog.Logger) (*Authenticator, error) {
	a := &Authenticator{
		apiToken: cfg.APIToken,
		logger:   logger.With("component", "auth"),
	}
	if cfg.JWTSecret != "" {
		v, err := NewJWTVerifier([]byte(cfg.JWTSecret))
		if err != nil {
			return nil, err
		}
		a.verifier = v
	}
	return a, nil
}

// Enabled reports whether requests must carry credentials.
func (a *Authenticator) Enabled() bool {
	return a.verifier != nil || a.apiToken != ""
}

// Authenticate resolves a bearer token to a Caller.
func (a *Authenticator) Authenticate(token string) (*Caller, error) {
	if a.apiToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.apiToken)) == 1 {
		return &Caller{Subject: KindService, Kind: KindService}, nil
	}
	if a.verifier == nil {
		return nil, ErrInvalidToken
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	return &Caller{Subject: claims.Subject, Kind: KindUser, TenantID: claims.TenantID}, nil
}

// Middleware rejects requests without valid credentials and attaches the
// Caller to the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), &Caller{Kind: KindAnonymous})))
			return
		}

		token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
		if errMsg != "" {
			writeUnauthorized(w, errMsg)
			return
		}

		caller, err := a.Authenticate(token)
		if err != nil {
			a.logger.Debug("rejected api credentials", "path", r.URL.Path, "error", err)
			writeUnauthorized(w, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
