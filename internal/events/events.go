// Package events publishes order status changes and reconciliation alerts.
package events

import (
	"context"
	"sync"
	"time"

	"droneFoodDelivery/models"
)

// Event types carried in the "type" field of every message.
const (
	TypeOrderStatusChanged     = "order.status.changed"
	TypeReconciliationRequired = "reconciliation.required"
)

// Reconciliation kinds name the divergence an operator has to repair.
const (
	KindOrderPaymentSync   = "order_payment_sync"
	KindLatePaymentSuccess = "late_payment_success"
	KindRefundNotIssued    = "refund_not_issued"
	KindRefundNotRecorded  = "refund_not_recorded"
	KindOrphanMission      = "orphan_mission"
	KindDeliveryOutcome    = "delivery_outcome_sync"
)

// OrderStatusChanged is emitted after an order transition has been persisted.
type OrderStatusChanged struct {
	Type         string             `json:"type"`
	OrderID      string             `json:"orderId"`
	OrderNumber  string             `json:"orderNumber"`
	UserID       string             `json:"userId"`
	RestaurantID string             `json:"restaurantId"`
	From         models.OrderStatus `json:"from"`
	To           models.OrderStatus `json:"to"`
	Actor        string             `json:"actor,omitempty"`
	Note         string             `json:"note,omitempty"`
	OccurredAt   time.Time          `json:"occurredAt"`
}

// ReconciliationRequired is emitted when one hop of a cross-service operation committed and a
// later hop did not.
type ReconciliationRequired struct {
	Type       string    `json:"type"`
	Kind       string    `json:"kind"`
	OrderID    string    `json:"orderId,omitempty"`
	PaymentID  string    `json:"paymentId,omitempty"`
	MissionID  string    `json:"missionId,omitempty"`
	DroneID    string    `json:"droneId,omitempty"`
	Step       string    `json:"step,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher sends domain events. Publishing is best effort: callers log failures and carry on.
type Publisher interface {
	OrderStatusChanged(ctx context.Context, e OrderStatusChanged) error
	ReconciliationRequired(ctx context.Context, e ReconciliationRequired) error
	Close() error
}

// Noop discards every event. It is used when no brokers are configured.
type Noop struct{}

func (Noop) OrderStatusChanged(context.Context, OrderStatusChanged) error         { return nil }
func (Noop) ReconciliationRequired(context.Context, ReconciliationRequired) error { return nil }
func (Noop) Close() error                                                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu             sync.Mutex
	statusChanges  []OrderStatusChanged
	reconciliation []ReconciliationRequired
}

func (r *Recorder) OrderStatusChanged(_ context.Context, e OrderStatusChanged) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusChanges = append(r.statusChanges, e)
	return nil
}

func (r *Recorder) ReconciliationRequired(_ context.Context, e ReconciliationRequired) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconciliation = append(r.reconciliation, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// StatusChanges returns a copy of the recorded status change events.
func (r *Recorder) StatusChanges() []OrderStatusChanged {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]OrderStatusChanged(nil), r.statusChanges...)
}

// Reconciliations returns a copy of the recorded reconciliation events.
func (r *Recorder) Reconciliations() []ReconciliationRequired {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ReconciliationRequired(nil), r.reconciliation...)
}
