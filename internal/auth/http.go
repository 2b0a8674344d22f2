// ABOUTME: HTTP middleware for JWT user authentication and optional service-token bearer auth
// ABOUTME: Both attach an AuthContext to the request context via WithAuth

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/airrange-io/spreadapi-gateway/internal/service"
)

// PrincipalVerifier resolves a service-token secret. *Authority satisfies it.
type PrincipalVerifier interface {
	Verify(ctx context.Context, secret string) (*Principal, error)
}

// BearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func BearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", "invalid authorization header format"
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}

// HTTPAuthMiddleware requires a valid dashboard JWT and attaches the user.
func HTTPAuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := BearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", errMsg)
				return
			}

			userID, err := verifier.Verify(token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", msg)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), &AuthContext{UserID: userID})))
		})
	}
}

// BearerTokenMiddleware attaches a service-token Principal when the request
// carries a valid one. Requests without a bearer continue anonymously.
// An Authority-issued secret that fails verification is rejected; any other
// bearer is kept as RawBearer for per-service keys.
func BearerTokenMiddleware(tokens PrincipalVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := BearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				next.ServeHTTP(w, r)
				return
			}

			p, err := tokens.Verify(r.Context(), token)
			switch {
			case err == nil:
				ctx := WithAuth(r.Context(), &AuthContext{UserID: p.UserID, Principal: p})
				next.ServeHTTP(w, r.WithContext(ctx))
			case errors.Is(err, service.ErrUpstream):
				writeAuthError(w, http.StatusServiceUnavailable, "upstream_unavailable", "token store unavailable")
			case strings.HasPrefix(token, TokenPrefix):
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "invalid or revoked token")
			default:
				next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), &AuthContext{RawBearer: token})))
			}
		})
	}
}
