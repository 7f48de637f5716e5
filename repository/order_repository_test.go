package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"droneFoodDelivery/internal/db"
	"droneFoodDelivery/internal/testutil"
	"droneFoodDelivery/models"
)

func newTestOrder(id, number, userID string, now time.Time) *models.Order {
	return &models.Order{
		ID:           id,
		OrderNumber:  number,
		UserID:       userID,
		RestaurantID: "r-1",
		Items:        []models.LineItem{{MenuItemID: "m-1", Name: "Pho", UnitPrice: 50000, Quantity: 2, LineTotal: 100000}},
		Amount:       models.Amount{Subtotal: 100000, DeliveryFee: 10000, Total: 110000, Currency: "VND"},
		DeliveryAddress: models.DeliveryAddress{
			Text:     "1 Le Loi, District 1",
			Location: &models.GeoPoint{Lat: 10.77, Lng: 106.70},
		},
		Payment:   models.OrderPayment{Status: models.OrderPaymentUnpaid},
		Status:    models.OrderStatusPlaced,
		Timeline:  []models.TimelineEntry{{Status: models.OrderStatusPlaced, At: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestOrderRepository_CreateGetUpdate(t *testing.T) {
	d := testutil.OpenTestDB(t, db.SchemaOrders)
	repo := NewOrderRepository(d)
	ctx := context.Background()
	now := time.Date(2024, 3, 9, 8, 30, 0, 0, time.UTC)

	o := newTestOrder("01HORDER0000000000000001", "ORD2403090001", "u-1", now)
	if err := repo.Create(ctx, o); err != nil {
		t.Fatalf("create: %v", err)
	}
	if o.Version != 1 {
		t.Fatalf("version = %d, want 1", o.Version)
	}

	got, err := repo.GetByID(ctx, o.ID)
	if err != nil || got == nil {
		t.Fatalf("get: %v %v", got, err)
	}
	if got.Amount.Total != 110000 || len(got.Items) != 1 || got.DeliveryAddress.Location == nil || !got.CreatedAt.Equal(now) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if byNumber, _ := repo.GetByOrderNumber(ctx, "ORD2403090001"); byNumber == nil || byNumber.ID != o.ID {
		t.Fatalf("GetByOrderNumber mismatch: %+v", byNumber)
	}
	if missing, err := repo.GetByID(ctx, "nope"); err != nil || missing != nil {
		t.Fatalf("expected (nil, nil) for missing order, got %v %v", missing, err)
	}

	got.Status = models.OrderStatusConfirmed
	got.UpdatedAt = now.Add(time.Minute)
	ok, err := repo.Update(ctx, got, 1)
	if err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	if got.Version != 2 {
		t.Fatalf("version after update = %d", got.Version)
	}

	// A writer holding the old version loses.
	stale := *got
	stale.Status = models.OrderStatusCancelled
	ok, err = repo.Update(ctx, &stale, 1)
	if err != nil || ok {
		t.Fatalf("stale update should lose: ok=%v err=%v", ok, err)
	}
	reloaded, _ := repo.GetByID(ctx, o.ID)
	if reloaded.Status != models.OrderStatusConfirmed {
		t.Fatalf("stale write leaked: %s", reloaded.Status)
	}
}

func TestOrderRepository_DuplicateNumber(t *testing.T) {
	d := testutil.OpenTestDB(t, db.SchemaOrders)
	repo := NewOrderRepository(d)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := repo.Create(ctx, newTestOrder("a", "ORD2403090001", "u-1", now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := repo.Create(ctx, newTestOrder("b", "ORD2403090001", "u-1", now))
	if !db.IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
}

func TestOrderRepository_MissionIDImmutable(t *testing.T) {
	d := testutil.OpenTestDB(t, db.SchemaOrders)
	repo := NewOrderRepository(d)
	ctx := context.Background()
	now := time.Now().UTC()

	o := newTestOrder("a", "ORD2403090001", "u-1", now)
	if err := repo.Create(ctx, o); err != nil {
		t.Fatalf("create: %v", err)
	}
	m1, m2 := "mission-1", "mission-2"
	o.MissionID = &m1
	if ok, err := repo.Update(ctx, o, o.Version); err != nil || !ok {
		t.Fatalf("first link: ok=%v err=%v", ok, err)
	}
	o.MissionID = &m2
	if _, err := repo.Update(ctx, o, o.Version); !db.IsConstraintViolation(err) {
		t.Fatalf("expected trigger to reject relinking, got %v", err)
	}
	o.MissionID = nil
	if _, err := repo.Update(ctx, o, o.Version); !db.IsConstraintViolation(err) {
		t.Fatalf("expected trigger to reject clearing, got %v", err)
	}
}

func TestOrderRepository_ListByUserPage(t *testing.T) {
	d := testutil.OpenTestDB(t, db.SchemaOrders)
	repo := NewOrderRepository(d)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 1; i <= 5; i++ {
		o := newTestOrder(fmt.Sprintf("01H%021d", i), fmt.Sprintf("ORD240309%04d", i), "u-1", now)
		if err := repo.Create(ctx, o); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if err := repo.Create(ctx, newTestOrder("01HOTHER", "ORD2403099999", "u-2", now)); err != nil {
		t.Fatalf("create other: %v", err)
	}

	page1, err := repo.ListByUserPage(ctx, "u-1", 2, "")
	if err != nil || len(page1) != 2 {
		t.Fatalf("page1: %v len=%d", err, len(page1))
	}
	if page1[0].ID != fmt.Sprintf("01H%021d", 5) {
		t.Fatalf("expected newest first, got %s", page1[0].ID)
	}
	page2, err := repo.ListByUserPage(ctx, "u-1", 10, page1[1].ID)
	if err != nil || len(page2) != 3 {
		t.Fatalf("page2: %v len=%d", err, len(page2))
	}
	for _, o := range page2 {
		if o.UserID != "u-1" {
			t.Fatalf("leaked another user's order: %+v", o)
		}
	}
}

func TestOrderSequence_ConcurrentNextIsUnique(t *testing.T) {
	d := testutil.OpenTestDB(t, db.SchemaOrders)
	seq := NewOrderSequence(d)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[int64]bool{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := seq.Next(ctx, "240309")
			if err != nil {
				t.Errorf("next: %v", err)
				return
			}
			mu.Lock()
			seen[v] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != n {
		t.Fatalf("expected %d distinct sequence values, got %d", n, len(seen))
	}
	if v, _ := seq.Next(ctx, "240310"); v != 1 {
		t.Fatalf("new day should restart at 1, got %d", v)
	}
}
