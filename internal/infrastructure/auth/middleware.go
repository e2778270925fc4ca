package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/honeynil/ReferralCreditService/internal/infrastructure/redis"
)

type contextKey struct{}

var userIDKey contextKey

// WithUserID stores the authenticated account id in ctx.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the account id set by AuthMiddleware.
func UserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok && id > 0
}

// AuthMiddleware accepts a Bearer JWT whose token is also the active session
// stored in Redis. A nil redisClient skips the session check.
func AuthMiddleware(redisClient redis.RedisClient, jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeUnauthorized(w, "authorization header missing")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeUnauthorized(w, "invalid authorization header")
				return
			}

			tokenStr := parts[1]
			claims, err := ValidateJWT(jwtSecret, tokenStr)
			if err != nil {
				slog.Debug("rejected token", "error", err)
				writeUnauthorized(w, "invalid token")
				return
			}

			if redisClient != nil {
				storedToken, err := redisClient.Get(r.Context(), TokenKey(claims.UserID))
				if err != nil || storedToken != tokenStr {
					slog.Warn("invalid or revoked token", "user_id", claims.UserID, "error", err)
					writeUnauthorized(w, "invalid or revoked token")
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), claims.UserID)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
