// Package middleware provides HTTP middleware for the widget API.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ContextKey string

const (
	UserIDKey  ContextKey = "user_id"
	ScopesKey  ContextKey = "scopes"
	SessKeyKey ContextKey = "sesskey"
)

const (
	ScopeAdmin  = "admin"
	ScopeReport = "report"
)

// GuestUserID is used for unauthenticated callers when usage is not restricted.
const GuestUserID int64 = 0

var errBadSubject = errors.New("subject is not a numeric user id")

// Claims is issued by the hosting site. Subject carries the numeric user id.
type Claims struct {
	jwt.RegisteredClaims
	Scopes  []string `json:"scope"`
	SessKey string   `json:"sesskey,omitempty"`
	Name    string   `json:"name,omitempty"`
}

func (c *Claims) userID() (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Subject), 10, 64)
	if err != nil || id < 0 {
		return 0, errBadSubject
	}
	return id, nil
}

// Auth validates HMAC-signed bearer tokens. With restrictUsage off, requests without an
// Authorization header continue as the guest user; a header that is present must still be valid.
func Auth(secret string, restrictUsage bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				if restrictUsage {
					writeAuthError(w, http.StatusUnauthorized, "missing authorization header")
					return
				}
				ctx := context.WithValue(r.Context(), UserIDKey, GuestUserID)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			scheme, tokenString, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") {
				writeAuthError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(strings.TrimSpace(tokenString), claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			userID, err := claims.userID()
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			ctx = context.WithValue(ctx, ScopesKey, claims.Scopes)
			ctx = context.WithValue(ctx, SessKeyKey, claims.SessKey)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetUserID(ctx context.Context) int64 {
	if v, ok := ctx.Value(UserIDKey).(int64); ok {
		return v
	}
	return GuestUserID
}

// GetSessKey returns the session key bound into the token, or "" when the token carries none.
func GetSessKey(ctx context.Context) string {
	if v, ok := ctx.Value(SessKeyKey).(string); ok {
		return v
	}
	return ""
}

func GetScopes(ctx context.Context) []string {
	if v, ok := ctx.Value(ScopesKey).([]string); ok {
		return v
	}
	return nil
}

func HasScope(ctx context.Context, scope string) bool {
	for _, s := range GetScopes(ctx) {
		if s == scope {
			return true
		}
	}
	return false
}

func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !HasScope(r.Context(), scope) {
				writeAuthError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}
