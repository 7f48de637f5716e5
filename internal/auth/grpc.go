package auth

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"droneFoodDelivery/models"
)

// InterceptorOptions configures the gRPC auth interceptor.
type InterceptorOptions struct {
	Secret string
	// Public methods are served without a token, e.g. the health check probed by the platform.
	Public []string
	// Roles admitted on every other method. Empty admits any valid token.
	Roles  []models.Role
	Logger *zap.Logger
}

// NewUnaryAuthInterceptor authenticates unary calls with the same bearer tokens as the HTTP
// API. Missing or invalid tokens are Unauthenticated, callers outside opts.Roles are
// PermissionDenied. Every rejection is logged with the method and, when known, the caller.
func NewUnaryAuthInterceptor(opts InterceptorOptions) grpc.UnaryServerInterceptor {
	public := make(map[string]struct{}, len(opts.Public))
	for _, m := range opts.Public {
		public[strings.TrimSpace(m)] = struct{}{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := public[info.FullMethod]; ok {
			return handler(ctx, req)
		}
		log := logger.With(zap.String("method", info.FullMethod))
		p, err := ParseFromMD(ctx, opts.Secret)
		if err != nil {
			log.Warn("grpc call rejected", zap.Error(err))
			return nil, status.Error(codes.Unauthenticated, "missing or invalid bearer token")
		}
		ctx = WithPrincipal(ctx, p)
		if len(opts.Roles) > 0 {
			if _, err := RequireRole(ctx, opts.Roles...); err != nil {
				log.Warn("grpc call denied", zap.String("user_id", p.Subject), zap.String("role", string(p.Role)))
				return nil, status.Errorf(codes.PermissionDenied, "role %s cannot call %s", p.Role, info.FullMethod)
			}
		}
		return handler(ctx, req)
	}
}
