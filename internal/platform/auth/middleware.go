package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	SubjectKey contextKey = "auth_subject"
	TenantKey  contextKey = "auth_tenant"
	AppKey     contextKey = "auth_app"
)

// Claims are the bearer-token claims accepted on the command intake API.
type Claims struct {
	jwt.RegisteredClaims
	AppID    string   `json:"app_id"`
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

// JWT validates an HS256 bearer token and stashes the caller's identity and
// tenant scope on the request context.
func JWT(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			raw := strings.TrimPrefix(header, "Bearer ")

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, SubjectKey, claims.Subject)
			ctx = context.WithValue(ctx, TenantKey, claims.TenantID)
			ctx = context.WithValue(ctx, AppKey, claims.AppID)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("auth_subject", claims.Subject)
			c.Set("auth_tenant", claims.TenantID)
			c.Set("auth_app", claims.AppID)
			c.Set("auth_roles", claims.Roles)

			return next(c)
		}
	}
}

// DevAuth grants every request a synthetic admin identity scoped to the
// given tenant. Development only.
func DevAuth(tenant string) echo.MiddlewareFunc {
	if tenant == "" {
		tenant = "dev"
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("auth_subject", "dev")
			c.Set("auth_tenant", tenant)
			c.Set("auth_app", "dev")
			c.Set("auth_roles", []string{"admin"})
			return next(c)
		}
	}
}

// APIKey authenticates service-to-service pushes (task-queue callbacks,
// messaging deliveries) with a shared key carried in X-API-Key. The stored
// value is compared as a SHA-256 hash in constant time.
func APIKey(key string) echo.MiddlewareFunc {
	want := sha256.Sum256([]byte(key))
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got := sha256.Sum256([]byte(c.Request().Header.Get("X-API-Key")))
			if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
			}
			return next(c)
		}
	}
}

// RequireRole allows the request through when the caller holds any of the
// given roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			held, _ := c.Get("auth_roles").([]string)
			for _, r := range held {
				if allowed[r] {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
		}
	}
}
