package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"droneFoodDelivery/internal/apperr"
	"droneFoodDelivery/internal/testutil"
	"droneFoodDelivery/models"
)

func TestMiddleware(t *testing.T) {
	var got *Principal
	h := Middleware(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/1", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing header: status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/orders/1", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/orders/1", nil)
	req.Header.Set("Authorization", "Bearer "+testutil.GenerateJWTHS256(t, testSecret, "u-1", "customer", ""))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || got == nil || got.Subject != "u-1" {
		t.Fatalf("valid token: status=%d principal=%+v", rec.Code, got)
	}
}

func TestRequireRole(t *testing.T) {
	if _, err := RequireRole(context.Background(), models.RoleAdmin); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	ctx := WithPrincipal(context.Background(), &Principal{Subject: "u", Role: models.RoleCustomer})
	if _, err := RequireRole(ctx, models.RoleAdmin, models.RoleRestaurant); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := RequireService(WithPrincipal(context.Background(), &Principal{Subject: "s", Role: models.RoleService})); err != nil {
		t.Fatalf("RequireService: %v", err)
	}
}

func TestServiceTokenSourceCachesAndRefreshes(t *testing.T) {
	now := time.Now()
	src := NewServiceTokenSource(testSecret, "payment-service", 10*time.Minute)
	src.now = func() time.Time { return now }

	var wg sync.WaitGroup
	tokens := make([]string, 8)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := src.Token(context.Background())
			if err != nil {
				t.Errorf("Token: %v", err)
			}
			tokens[i] = tok
		}(i)
	}
	wg.Wait()
	for _, tok := range tokens[1:] {
		if tok != tokens[0] {
			t.Fatalf("expected all concurrent callers to share one token")
		}
	}

	now = now.Add(9 * time.Minute)
	refreshed, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if refreshed == tokens[0] {
		t.Fatalf("expected refresh close to expiry")
	}
	p, err := parseJWT(refreshed, testSecret)
	if err != nil || p.Role != models.RoleService {
		t.Fatalf("refreshed token invalid: %v %+v", err, p)
	}
}
