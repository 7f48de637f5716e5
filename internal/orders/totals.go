package orders

import (
	"strings"

	"droneFoodDelivery/internal/apperr"
	"droneFoodDelivery/models"
)

// ItemInput is a requested line item. Prices come from the caller's catalog snapshot.
type ItemInput struct {
	MenuItemID string `json:"menuItemId"`
	Name       string `json:"name"`
	UnitPrice  int64  `json:"unitPrice"`
	Quantity   int64  `json:"quantity"`
}

// AmountInput carries the optional parts of the breakdown the caller may supply.
type AmountInput struct {
	DeliveryFee *int64 `json:"deliveryFee,omitempty"`
	Tax         int64  `json:"tax"`
	Discount    int64  `json:"discount"`
	Currency    string `json:"currency,omitempty"`
}

// BuildItems validates the requested items and computes their line totals.
func BuildItems(in []ItemInput) ([]models.LineItem, error) {
	if len(in) == 0 {
		return nil, apperr.Validation("order must contain at least one item")
	}
	items := make([]models.LineItem, 0, len(in))
	for i, it := range in {
		id := strings.TrimSpace(it.MenuItemID)
		if id == "" {
			return nil, apperr.Validation("items[%d].menuItemId is required", i)
		}
		if it.Quantity <= 0 {
			return nil, apperr.Validation("items[%d].quantity must be positive", i)
		}
		if it.UnitPrice < 0 {
			return nil, apperr.Validation("items[%d].unitPrice must not be negative", i)
		}
		items = append(items, models.LineItem{
			MenuItemID: id,
			Name:       strings.TrimSpace(it.Name),
			UnitPrice:  it.UnitPrice,
			Quantity:   it.Quantity,
			LineTotal:  it.UnitPrice * it.Quantity,
		})
	}
	return items, nil
}

// ComputeAmount builds the breakdown for items.
// Total = Subtotal + DeliveryFee + Tax - Discount, and must not be negative.
func ComputeAmount(items []models.LineItem, in AmountInput, defaultFee int64, defaultCurrency string) (models.Amount, error) {
	var subtotal int64
	for _, it := range items {
		subtotal += it.LineTotal
	}
	fee := defaultFee
	if in.DeliveryFee != nil {
		fee = *in.DeliveryFee
	}
	if fee < 0 || in.Tax < 0 || in.Discount < 0 {
		return models.Amount{}, apperr.Validation("delivery fee, tax and discount must not be negative")
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	a := models.Amount{
		Subtotal:    subtotal,
		DeliveryFee: fee,
		Tax:         in.Tax,
		Discount:    in.Discount,
		Currency:    currency,
	}
	a.Total = a.Subtotal + a.DeliveryFee + a.Tax - a.Discount
	if a.Total < 0 {
		return models.Amount{}, apperr.Validation("discount exceeds order value")
	}
	return a, nil
}
