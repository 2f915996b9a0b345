package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	userIDKey   contextKey = "user_id"
	tenantIDKey contextKey = "tenant_id"
	roleKey     contextKey = "role"
	tokenIDKey  contextKey = "token_id"
	tokenExpKey contextKey = "token_exp"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type Claims struct {
	UserID   string `json:"uid"`
	TenantID string `json:"tid"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Blacklist answers whether a token id has been revoked (logout, admin
// action). A nil Blacklist disables the check.
type Blacklist interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Middleware authenticates bearer tokens, rejects revoked ones, and puts
// the caller's identity on the request context.
func Middleware(secret string, blacklist Blacklist) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := r.Header.Get("Authorization")
			if authz == "" || !strings.HasPrefix(authz, "Bearer ") {
				unauthorized(w, "missing bearer token")
				return
			}

			tokenRaw := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenRaw, claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, errors.New("unexpected signing method")
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid || claims.UserID == "" {
				unauthorized(w, "invalid token")
				return
			}

			if blacklist != nil && claims.ID != "" {
				revoked, err := blacklist.IsRevoked(r.Context(), claims.ID)
				if err != nil {
					http.Error(w, `{"error":{"code":"internal_error","message":"token check failed"}}`, http.StatusInternalServerError)
					return
				}
				if revoked {
					unauthorized(w, "token revoked")
					return
				}
			}

			role := claims.Role
			if role == "" {
				role = RoleUser
			}
			ctx := context.WithValue(r.Context(), userIDKey, claims.UserID)
			ctx = context.WithValue(ctx, tenantIDKey, claims.TenantID)
			ctx = context.WithValue(ctx, roleKey, role)
			ctx = context.WithValue(ctx, tokenIDKey, claims.ID)
			if claims.ExpiresAt != nil {
				ctx = context.WithValue(ctx, tokenExpKey, claims.ExpiresAt.Time)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin gates a subtree to admin callers. Must run after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if role, _ := r.Context().Value(roleKey).(string); role != RoleAdmin {
			http.Error(w, `{"error":{"code":"forbidden","message":"admin role required"}}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	http.Error(w, `{"error":{"code":"unauthorized","message":"`+msg+`"}}`, http.StatusUnauthorized)
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(userIDKey).(string)
	return s, ok && s != ""
}

func TenantIDFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(tenantIDKey).(string)
	return s, ok && s != ""
}

func IsAdmin(ctx context.Context) bool {
	role, _ := ctx.Value(roleKey).(string)
	return role == RoleAdmin
}

func TokenIDFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(tokenIDKey).(string)
	return s, ok && s != ""
}

func TokenExpiryFromContext(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(tokenExpKey).(time.Time)
	return t, ok && !t.IsZero()
}
