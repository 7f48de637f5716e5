package auth

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"droneFoodDelivery/internal/apperr"
	"droneFoodDelivery/internal/httpx"
	"droneFoodDelivery/internal/requestctx"
	"droneFoodDelivery/models"
)

// Middleware authenticates HTTP requests with a Bearer JWT, stores the Principal on the
// context and tags the request logger with the caller.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			header := r.Header.Get("Authorization")
			if header == "" {
				httpx.WriteError(ctx, w, httpx.NewError(string(apperr.CodeUnauthenticated), "missing authorization", http.StatusUnauthorized))
				return
			}
			p, err := ParseBearer(header, secret)
			if err != nil {
				requestctx.Logger(ctx).Debug("token rejected", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError(string(apperr.CodeUnauthenticated), "invalid token", http.StatusUnauthorized))
				return
			}
			logger := requestctx.Logger(ctx).With(zap.String("user_id", p.Subject), zap.String("role", string(p.Role)))
			ctx = requestctx.WithLogger(WithPrincipal(ctx, p), logger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRoles rejects callers whose role is not listed. It must run after Middleware.
func RequireRoles(roles ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := RequireRole(r.Context(), roles...); err != nil {
				httpx.WriteAppError(r.Context(), w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePrincipal ensures a principal is present in context.
func RequirePrincipal(ctx context.Context) (*Principal, error) {
	p, ok := FromContext(ctx)
	if !ok {
		return nil, apperr.New(apperr.CodeUnauthenticated, "missing principal")
	}
	return p, nil
}

// RequireRole ensures the principal has one of the given roles.
func RequireRole(ctx context.Context, roles ...models.Role) (*Principal, error) {
	p, err := RequirePrincipal(ctx)
	if err != nil {
		return nil, err
	}
	for _, role := range roles {
		if p.Role == role {
			return p, nil
		}
	}
	return nil, apperr.Forbidden("role %s cannot perform this action", p.Role)
}

// RequireService ensures the caller is a platform service.
func RequireService(ctx context.Context) (*Principal, error) {
	return RequireRole(ctx, models.RoleService)
}
