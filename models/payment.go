package models

import "time"

// PaymentStatus is the lifecycle state of a Payment.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusCompleted  PaymentStatus = "COMPLETED"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusCancelled  PaymentStatus = "CANCELLED"
	PaymentStatusRefunded   PaymentStatus = "REFUNDED"
)

// IsTerminal reports whether the payment can no longer settle.
// COMPLETED is terminal for settlement but still allows the refund transition.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusRefunded:
		return true
	}
	return false
}

// PaymentEvent is one entry of a payment's timeline.
type PaymentEvent struct {
	Status PaymentStatus `json:"status"`
	At     time.Time     `json:"at"`
	Note   string        `json:"note,omitempty"`
	Actor  string        `json:"actor,omitempty"`
}

// Refund records a refund issued against a completed payment.
type Refund struct {
	Amount          int64     `json:"amount"`
	Reason          string    `json:"reason,omitempty"`
	GatewayRefundID string    `json:"gatewayRefundId,omitempty"`
	RequestedBy     string    `json:"requestedBy"`
	RefundedAt      time.Time `json:"refundedAt"`
}

// Payment is one-to-one with an Order (OrderID is unique in the store).
type Payment struct {
	ID                   string         `json:"id"`
	OrderID              string         `json:"orderId"`
	OrderNumber          string         `json:"orderNumber"`
	UserID               string         `json:"userId"`
	Method               string         `json:"method"`
	Status               PaymentStatus  `json:"status"`
	Amount               Amount         `json:"amount"`
	GatewayRequestID     string         `json:"gatewayRequestId,omitempty"`
	GatewayTransactionID string         `json:"gatewayTransactionId,omitempty"`
	GatewaySignature     string         `json:"gatewaySignature,omitempty"`
	PaymentURL           string         `json:"paymentUrl,omitempty"`
	Timeline             []PaymentEvent `json:"timeline"`
	Refund               *Refund        `json:"refund,omitempty"`
	ExpiresAt            *time.Time     `json:"expiresAt,omitempty"`
	CompletedAt          *time.Time     `json:"completedAt,omitempty"`
	Version              int64          `json:"version"`
	CreatedAt            time.Time      `json:"createdAt"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}
