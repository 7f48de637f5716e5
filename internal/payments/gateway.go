// Package payments is the Payment Orchestrator: it requests payments from external gateways,
// reconciles their callbacks and issues refunds.
package payments

import (
	"context"
	"net/http"
	"time"
)

// CreateRequest asks a gateway to start collecting a payment.
type CreateRequest struct {
	PaymentID      string
	OrderID        string
	OrderNumber    string
	Amount         int64
	Currency       string
	ReturnURL      string
	ExpiresAt      time.Time
	IdempotencyKey string
}

// CreateResult carries the gateway's correlation data for a created payment.
type CreateResult struct {
	RequestID  string
	PaymentURL string
	Signature  string
}

// Callback is a verified gateway notification.
type Callback struct {
	// Ignored is set for notifications that carry no payment outcome.
	Ignored       bool
	OrderID       string
	RequestID     string
	TransactionID string
	Amount        int64
	Currency      string
	Success       bool
	Message       string
	Signature     string
}

// RefundRequest asks a gateway to return money for a completed payment.
type RefundRequest struct {
	PaymentID      string
	RequestID      string
	TransactionID  string
	Amount         int64
	Currency       string
	Reason         string
	IdempotencyKey string
}

// RefundResult identifies the refund at the gateway.
type RefundResult struct {
	RefundID string
}

// Gateway is an external payment provider.
type Gateway interface {
	Name() string
	CreatePayment(ctx context.Context, req CreateRequest) (CreateResult, error)
	// VerifyCallback authenticates a notification before any of its fields are trusted.
	VerifyCallback(header http.Header, body []byte) (Callback, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}
