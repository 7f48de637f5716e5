package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/metadata"

	"droneFoodDelivery/internal/db"
)

// OpenTestDB opens a fresh SQLite database file under t.TempDir() with the schema's
// migrations applied. A file (rather than shared-cache memory) keeps WAL and busy_timeout
// semantics identical to production, which the concurrency tests depend on.
func OpenTestDB(t *testing.T, schema db.Schema) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), string(schema)+".db")
	d, err := db.Open(path, schema)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// GenerateJWTHS256 returns a signed JWT string with the claims the services read.
func GenerateJWTHS256(t *testing.T, secret, subject, role, restaurantID string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	if restaurantID != "" {
		claims["restaurant_id"] = restaurantID
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

// CtxWithBearer returns a context containing gRPC metadata Authorization header with the given token.
func CtxWithBearer(ctx context.Context, token string) context.Context {
	md := metadata.Pairs("authorization", "Bearer "+token)
	return metadata.NewIncomingContext(ctx, md)
}
