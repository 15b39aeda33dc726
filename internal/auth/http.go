// ABOUTME: HTTP middleware for authenticating API requests
// ABOUTME: Accepts HS256 JWTs in the Authorization header or configured static API keys

package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Middleware authenticates incoming HTTP requests. A request passes if it
// carries a valid bearer JWT, or a bearer token (or X-API-Key header) matching
// one of the configured static API keys.
type Middleware struct {
	verifier TokenVerifier
	apiKeys  []string
}

// NewMiddleware creates auth middleware. Either verifier or apiKeys may be
// empty; a request authenticates against whichever mechanisms are configured.
func NewMiddleware(verifier TokenVerifier, apiKeys []string) *Middleware {
	return &Middleware{verifier: verifier, apiKeys: apiKeys}
}

// Enabled reports whether any auth mechanism is configured. When false, the
// middleware passes all requests through with no identity attached.
func (m *Middleware) Enabled() bool {
	return m.verifier != nil || len(m.apiKeys) > 0
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// matchAPIKey checks a candidate against the configured keys in constant time.
func (m *Middleware) matchAPIKey(candidate string) bool {
	for _, k := range m.apiKeys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(candidate)) == 1 {
			return true
		}
	}
	return false
}

// Authenticate validates the request's credentials and returns the caller
// identity, or an error message suitable for the client.
func (m *Middleware) Authenticate(r *http.Request) (*Identity, string) {
	if key := r.Header.Get("X-API-Key"); key != "" && m.matchAPIKey(key) {
		return &Identity{Subject: "api-key", Method: "api_key"}, ""
	}

	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		return nil, errMsg
	}

	if m.matchAPIKey(token) {
		return &Identity{Subject: "api-key", Method: "api_key"}, ""
	}

	if m.verifier != nil {
		subject, err := m.verifier.Verify(token)
		if err == nil {
			return &Identity{Subject: subject, Method: "jwt"}, ""
		}
	}

	return nil, "invalid token"
}

// Wrap returns an http.Handler that rejects unauthenticated requests with 401
// and attaches the caller Identity to the request context otherwise. When no
// auth mechanism is configured, requests pass through unchanged.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		id, errMsg := m.Authenticate(r)
		if errMsg != "" {
			w.Header().Set("Content-Type", "application/json")
			http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
