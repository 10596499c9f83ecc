package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bskmt/risk-engine/apikey"
)

type contextKey string

const (
	UserIDKey contextKey = "user_id"
	SourceKey contextKey = "api_source"
	AdminKey  contextKey = "is_admin"
)

type AuthMiddleware struct {
	jwtSecret string
}

func NewAuthMiddleware(jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{jwtSecret: jwtSecret}
}

// OptionalAuth extracts the user identity from a bearer token when one is
// present. An absent or invalid token is not an error here: the gates only
// use the identity to scope rate limits and behavior history per user.
func (m *AuthMiddleware) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		authHeader := r.Header.Get("Authorization")
		if authHeader != "" && strings.HasPrefix(authHeader, "Bearer ") {
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(m.jwtSecret), nil
			})

			if err == nil && token.Valid {
				if claims, ok := token.Claims.(jwt.MapClaims); ok {
					if userID, ok := claims["user_id"].(string); ok {
						ctx = context.WithValue(ctx, UserIDKey, userID)
					}
					if isAdmin, ok := claims["admin"].(bool); ok && isAdmin {
						ctx = context.WithValue(ctx, AdminKey, true)
					}
				}
			}
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin rejects requests whose bearer token does not carry the admin
// claim. Used for the security event review endpoints.
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAdmin(r.Context()) {
			http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func WithSource(ctx context.Context, source apikey.Source) context.Context {
	return context.WithValue(ctx, SourceKey, source)
}

func GetUserID(ctx context.Context) string {
	if val := ctx.Value(UserIDKey); val != nil {
		return val.(string)
	}
	return ""
}

func GetSource(ctx context.Context) apikey.Source {
	if val := ctx.Value(SourceKey); val != nil {
		return val.(apikey.Source)
	}
	return apikey.SourceUnknown
}

func IsAdmin(ctx context.Context) bool {
	if val := ctx.Value(AdminKey); val != nil {
		return val.(bool)
	}
	return false
}
