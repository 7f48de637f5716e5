package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"droneFoodDelivery/internal/apperr"
)

func TestComputeAmount(t *testing.T) {
	items, err := BuildItems([]ItemInput{
		{MenuItemID: "m1", Name: "Banh mi", UnitPrice: 10000, Quantity: 2},
		{MenuItemID: "m2", Name: "Tra da", UnitPrice: 5000, Quantity: 1},
	})
	if err != nil {
		t.Fatalf("build items: %v", err)
	}
	if items[0].LineTotal != 20000 {
		t.Fatalf("line total = %d", items[0].LineTotal)
	}
	a, err := ComputeAmount(items, AmountInput{}, 10000, "VND")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if a.Subtotal != 25000 || a.Total != 35000 || a.Currency != "VND" {
		t.Fatalf("unexpected amount: %+v", a)
	}

	fee := int64(0)
	a, err = ComputeAmount(items, AmountInput{DeliveryFee: &fee, Tax: 2500, Discount: 5000, Currency: "usd"}, 10000, "VND")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if a.Total != 22500 || a.Currency != "USD" {
		t.Fatalf("unexpected amount: %+v", a)
	}

	if _, err := ComputeAmount(items, AmountInput{Discount: 100000}, 0, "VND"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for oversized discount, got %v", err)
	}
}

func TestBuildItems_Validation(t *testing.T) {
	cases := [][]ItemInput{
		nil,
		{{MenuItemID: "", UnitPrice: 1, Quantity: 1}},
		{{MenuItemID: "m1", UnitPrice: 1, Quantity: 0}},
		{{MenuItemID: "m1", UnitPrice: -1, Quantity: 1}},
	}
	for i, in := range cases {
		if _, err := BuildItems(in); !errors.Is(err, apperr.ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

type counterFunc func(ctx context.Context, day string) (int64, error)

func (f counterFunc) Next(ctx context.Context, day string) (int64, error) { return f(ctx, day) }

func TestNumberer_FormatsInLocation(t *testing.T) {
	var gotDay string
	n := Numberer{
		Prefix: "ORD",
		Sequence: counterFunc(func(_ context.Context, day string) (int64, error) {
			gotDay = day
			return 7, nil
		}),
		Location: time.FixedZone("ICT", 7*3600),
	}
	// 20:00 UTC on Mar 9 is already Mar 10 at UTC+7.
	num, err := n.Next(context.Background(), time.Date(2024, 3, 9, 20, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if num != "ORD2403100007" || gotDay != "240310" {
		t.Fatalf("number = %s day = %s", num, gotDay)
	}
}

func TestNumberer_RejectsSequencePastFourDigits(t *testing.T) {
	n := Numberer{
		Prefix: "ORD",
		Sequence: counterFunc(func(context.Context, string) (int64, error) {
			return 10000, nil
		}),
	}
	num, err := n.Next(context.Background(), time.Date(2024, 3, 9, 8, 0, 0, 0, time.UTC))
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if num != "" {
		t.Fatalf("number = %q, want empty", num)
	}
}
