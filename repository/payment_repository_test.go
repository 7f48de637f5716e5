package repository

import (
	"context"
	"testing"
	"time"

	"droneFoodDelivery/internal/db"
	"droneFoodDelivery/internal/testutil"
	"droneFoodDelivery/models"
)

func TestPaymentRepository_OnePerOrderAndCAS(t *testing.T) {
	d := testutil.OpenTestDB(t, db.SchemaPayments)
	repo := NewPaymentRepository(d)
	ctx := context.Background()
	now := time.Date(2024, 3, 9, 8, 30, 0, 0, time.UTC)
	expires := now.Add(15 * time.Minute)

	p := &models.Payment{
		ID: "pay-1", OrderID: "ord-1", OrderNumber: "ORD2403090001", UserID: "u-1", Method: "sandbox",
		Status: models.PaymentStatusPending, Amount: models.Amount{Total: 110000, Currency: "VND"},
		Timeline:  []models.PaymentEvent{{Status: models.PaymentStatusPending, At: now}},
		ExpiresAt: &expires, CreatedAt: now, UpdatedAt: now,
	}
	if err := repo.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := *p
	dup.ID = "pay-2"
	if err := repo.Create(ctx, &dup); !db.IsUniqueViolation(err) {
		t.Fatalf("expected unique violation for second payment, got %v", err)
	}

	got, err := repo.GetByOrderID(ctx, "ord-1")
	if err != nil || got == nil || got.ID != "pay-1" || got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
		t.Fatalf("GetByOrderID: %+v %v", got, err)
	}

	got.Status = models.PaymentStatusProcessing
	got.GatewayRequestID = "req-1"
	got.UpdatedAt = now.Add(time.Second)
	if ok, err := repo.Update(ctx, got, 1); err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	if ok, _ := repo.Update(ctx, got, 1); ok {
		t.Fatalf("stale version must not apply")
	}
	byRef, err := repo.GetByGatewayRequestID(ctx, "sandbox", "req-1")
	if err != nil || byRef == nil || byRef.Status != models.PaymentStatusProcessing || byRef.Version != 2 {
		t.Fatalf("GetByGatewayRequestID: %+v %v", byRef, err)
	}
	if missing, err := repo.GetByID(ctx, "nope"); err != nil || missing != nil {
		t.Fatalf("expected (nil, nil), got %v %v", missing, err)
	}
}
