package models

import "time"

// OrderStatus represents the current progress of an order.
type OrderStatus string

const (
	OrderStatusPlaced         OrderStatus = "PLACED"
	OrderStatusConfirmed      OrderStatus = "CONFIRMED"
	OrderStatusCooking        OrderStatus = "COOKING"
	OrderStatusReadyForPickup OrderStatus = "READY_FOR_PICKUP"
	OrderStatusInFlight       OrderStatus = "IN_FLIGHT"
	OrderStatusDelivered      OrderStatus = "DELIVERED"
	OrderStatusCancelled      OrderStatus = "CANCELLED"
	OrderStatusFailed         OrderStatus = "FAILED"
)

// IsTerminal reports whether no further transition can leave the status.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled || s == OrderStatusFailed
}

// OrderPaymentStatus is the order's view of its payment.
type OrderPaymentStatus string

const (
	OrderPaymentUnpaid   OrderPaymentStatus = "UNPAID"
	OrderPaymentPaid     OrderPaymentStatus = "PAID"
	OrderPaymentFailed   OrderPaymentStatus = "FAILED"
	OrderPaymentRefunded OrderPaymentStatus = "REFUNDED"
)

// RefundStatus tracks whether the refund owed by a cancellation reached the payment service.
type RefundStatus string

const (
	RefundStatusNone      RefundStatus = "NONE"
	RefundStatusRequested RefundStatus = "REQUESTED"
	RefundStatusCompleted RefundStatus = "COMPLETED"
	RefundStatusFailed    RefundStatus = "FAILED"
)

// LineItem is a single menu item on an order. LineTotal is UnitPrice * Quantity.
type LineItem struct {
	MenuItemID string `json:"menuItemId"`
	Name       string `json:"name"`
	UnitPrice  int64  `json:"unitPrice"`
	Quantity   int64  `json:"quantity"`
	LineTotal  int64  `json:"lineTotal"`
}

// Amount is the price breakdown in minor currency units.
// Total = Subtotal + DeliveryFee + Tax - Discount.
type Amount struct {
	Subtotal    int64  `json:"subtotal"`
	DeliveryFee int64  `json:"deliveryFee"`
	Tax         int64  `json:"tax"`
	Discount    int64  `json:"discount"`
	Total       int64  `json:"total"`
	Currency    string `json:"currency"`
}

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DeliveryAddress is where the drone drops the order.
type DeliveryAddress struct {
	Text         string    `json:"text"`
	Location     *GeoPoint `json:"location,omitempty"`
	ContactName  string    `json:"contactName,omitempty"`
	ContactPhone string    `json:"contactPhone,omitempty"`
}

// OrderPayment is the payment sub-record kept on the order.
type OrderPayment struct {
	Method           string             `json:"method,omitempty"`
	Status           OrderPaymentStatus `json:"status"`
	PaymentID        string             `json:"paymentId,omitempty"`
	GatewayRequestID string             `json:"gatewayRequestId,omitempty"`
	TransactionID    string             `json:"transactionId,omitempty"`
}

// TimelineEntry records one status change.
type TimelineEntry struct {
	Status OrderStatus `json:"status"`
	At     time.Time   `json:"at"`
	Note   string      `json:"note,omitempty"`
	Actor  string      `json:"actor,omitempty"`
}

// Cancellation is recorded when an order is cancelled.
type Cancellation struct {
	Reason       string       `json:"reason,omitempty"`
	CancelledBy  string       `json:"cancelledBy"`
	CancelledAt  time.Time    `json:"cancelledAt"`
	RefundAmount int64        `json:"refundAmount"`
	RefundStatus RefundStatus `json:"refundStatus"`
}

// Rating is the customer's feedback on a delivered order.
type Rating struct {
	Score   int       `json:"score"`
	Comment string    `json:"comment,omitempty"`
	RatedAt time.Time `json:"ratedAt"`
}

// Order is the central aggregate. Status only changes through the order state machine.
type Order struct {
	ID                    string          `json:"id"`
	OrderNumber           string          `json:"orderNumber"`
	UserID                string          `json:"userId"`
	RestaurantID          string          `json:"restaurantId"`
	Items                 []LineItem      `json:"items"`
	Amount                Amount          `json:"amount"`
	DeliveryAddress       DeliveryAddress `json:"deliveryAddress"`
	Payment               OrderPayment    `json:"payment"`
	Status                OrderStatus     `json:"status"`
	Timeline              []TimelineEntry `json:"timeline"`
	MissionID             *string         `json:"missionId,omitempty"`
	DroneID               *string         `json:"droneId,omitempty"`
	Cancellation          *Cancellation   `json:"cancellation,omitempty"`
	Rating                *Rating         `json:"rating,omitempty"`
	EstimatedDeliveryTime *time.Time      `json:"estimatedDeliveryTime,omitempty"`
	ActualDeliveryTime    *time.Time      `json:"actualDeliveryTime,omitempty"`
	Version               int64           `json:"version"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}
