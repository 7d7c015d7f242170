package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kareempjackson/undr-api-sub001/internal/httputil"
	"github.com/kareempjackson/undr-api-sub001/internal/logger"
)

type contextKey string

const UserIDContextKey contextKey = "userID"

// UserID returns the authenticated user id placed by Authenticated.
func UserID(ctx context.Context) (uint, bool) {
	id, ok := ctx.Value(UserIDContextKey).(uint)
	return id, ok && id != 0
}

// WithUserID is used by tests and internal callers that already know the user.
func WithUserID(ctx context.Context, id uint) context.Context {
	return context.WithValue(ctx, UserIDContextKey, id)
}

// IssueToken signs a bearer token for userID.
func IssueToken(secret string, userID uint, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": now.Add(ttl).Unix(),
		"iat": now.Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func Authenticated(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				httputil.WriteError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				httputil.WriteError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			token, err := jwt.Parse(parts[1], func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrTokenSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				httputil.WriteError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				httputil.WriteError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			sub, ok := claims["sub"].(float64)
			if !ok || sub <= 0 {
				logger.Log.Error("jwt subject missing or wrong type")
				httputil.WriteError(w, http.StatusUnauthorized, "invalid token payload")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), uint(sub))))
		})
	}
}
