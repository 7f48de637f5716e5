package clients

import (
	"context"
	"net/http"

	"droneFoodDelivery/models"
)

// PaymentClient calls the payment service.
type PaymentClient struct {
	c *base
}

// NewPaymentClient builds a client for the payment service.
func NewPaymentClient(opts Options) (*PaymentClient, error) {
	b, err := newBase(opts)
	if err != nil {
		return nil, err
	}
	return &PaymentClient{c: b}, nil
}

// RefundRequest is the body of POST /payments/refund.
type RefundRequest struct {
	PaymentID string `json:"paymentId"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason,omitempty"`
}

// Refund refunds a completed payment. Refunding an already refunded payment with the same
// amount returns it unchanged, so the call is retried.
func (c *PaymentClient) Refund(ctx context.Context, paymentID string, amount int64, reason string) (*models.Payment, error) {
	var p models.Payment
	body := RefundRequest{PaymentID: paymentID, Amount: amount, Reason: reason}
	if err := c.c.do(ctx, http.MethodPost, "/payments/refund", body, &p, true); err != nil {
		return nil, err
	}
	return &p, nil
}
