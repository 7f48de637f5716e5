package auth

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"droneFoodDelivery/internal/testutil"
	"droneFoodDelivery/models"
)

const healthCheck = "/grpc.health.v1.Health/Check"

func TestUnaryAuthInterceptor(t *testing.T) {
	secret := "s3cr3t"
	core, logs := observer.New(zapcore.WarnLevel)
	interceptor := NewUnaryAuthInterceptor(InterceptorOptions{
		Secret: secret,
		Public: []string{healthCheck},
		Roles:  []models.Role{models.RoleService, models.RoleAdmin},
		Logger: zap.New(core),
	})
	call := func(ctx context.Context, method string) (bool, error) {
		called := false
		_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: method}, func(ctx context.Context, req any) (any, error) {
			called = true
			return nil, nil
		})
		return called, err
	}

	if called, err := call(context.Background(), healthCheck); err != nil || !called {
		t.Fatalf("public method: err=%v called=%v", err, called)
	}

	if called, err := call(context.Background(), "/grpc.health.v1.Health/List"); called || status.Code(err) != codes.Unauthenticated {
		t.Fatalf("no token: err=%v called=%v", err, called)
	}

	customer := testutil.CtxWithBearer(context.Background(), testutil.GenerateJWTHS256(t, secret, "u1", "customer", ""))
	if called, err := call(customer, "/grpc.health.v1.Health/List"); called || status.Code(err) != codes.PermissionDenied {
		t.Fatalf("customer: err=%v called=%v", err, called)
	}
	denied := logs.FilterMessage("grpc call denied").All()
	if len(denied) != 1 || denied[0].ContextMap()["user_id"] != "u1" {
		t.Fatalf("denial not logged: %+v", logs.All())
	}

	svc := testutil.CtxWithBearer(context.Background(), testutil.GenerateJWTHS256(t, secret, "order-service", "service", ""))
	_, err := interceptor(svc, nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/List"}, func(ctx context.Context, req any) (any, error) {
		p, ok := FromContext(ctx)
		if !ok || p.Subject != "order-service" || p.Role != models.RoleService {
			t.Fatalf("principal not injected: %+v ok=%v", p, ok)
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("service call: %v", err)
	}
}
