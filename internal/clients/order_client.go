package clients

import (
	"context"
	"net/http"

	"droneFoodDelivery/internal/orders"
	"droneFoodDelivery/models"
)

// OrderClient calls the order service's internal endpoints.
type OrderClient struct {
	c *base
}

// NewOrderClient builds a client for the order service.
func NewOrderClient(opts Options) (*OrderClient, error) {
	b, err := newBase(opts)
	if err != nil {
		return nil, err
	}
	return &OrderClient{c: b}, nil
}

// Get fetches an order.
func (c *OrderClient) Get(ctx context.Context, id string) (*models.Order, error) {
	var o models.Order
	if err := c.c.do(ctx, http.MethodGet, pathf("/internal/orders/%s", id), nil, &o, true); err != nil {
		return nil, err
	}
	return &o, nil
}

// ApplyPayment reports a payment outcome. The endpoint is idempotent.
func (c *OrderClient) ApplyPayment(ctx context.Context, id string, u orders.PaymentUpdate) (*models.Order, error) {
	var o models.Order
	if err := c.c.do(ctx, http.MethodPost, pathf("/internal/orders/%s/payment", id), u, &o, true); err != nil {
		return nil, err
	}
	return &o, nil
}

// Dispatch links the order to its mission. Repeating it with the same mission is a no-op.
func (c *OrderClient) Dispatch(ctx context.Context, id string, cmd orders.DispatchCommand) (*models.Order, error) {
	var o models.Order
	if err := c.c.do(ctx, http.MethodPost, pathf("/internal/orders/%s/dispatch", id), cmd, &o, true); err != nil {
		return nil, err
	}
	return &o, nil
}

// DeliveryOutcome is the body of the delivery endpoint.
type DeliveryOutcome struct {
	Status models.OrderStatus `json:"status"`
	Note   string             `json:"note,omitempty"`
}

// ApplyDeliveryOutcome reports the end of a mission.
func (c *OrderClient) ApplyDeliveryOutcome(ctx context.Context, id string, status models.OrderStatus, note string) (*models.Order, error) {
	var o models.Order
	body := DeliveryOutcome{Status: status, Note: note}
	if err := c.c.do(ctx, http.MethodPost, pathf("/internal/orders/%s/delivery", id), body, &o, true); err != nil {
		return nil, err
	}
	return &o, nil
}
