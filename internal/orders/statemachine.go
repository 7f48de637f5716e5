// Package orders holds the order state machine and the Order Lifecycle Controller.
package orders

import (
	"time"

	"droneFoodDelivery/internal/apperr"
	"droneFoodDelivery/models"
)

// transitions is the directed status graph. Terminal statuses have no outgoing edges.
var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusPlaced:         {models.OrderStatusConfirmed, models.OrderStatusCancelled},
	models.OrderStatusConfirmed:      {models.OrderStatusCooking, models.OrderStatusCancelled},
	models.OrderStatusCooking:        {models.OrderStatusReadyForPickup, models.OrderStatusCancelled},
	models.OrderStatusReadyForPickup: {models.OrderStatusInFlight, models.OrderStatusCancelled},
	models.OrderStatusInFlight:       {models.OrderStatusDelivered, models.OrderStatusFailed},
	models.OrderStatusDelivered:      nil,
	models.OrderStatusCancelled:      nil,
	models.OrderStatusFailed:         nil,
}

// CanTransition reports whether from -> to is an edge of the status graph.
func CanTransition(from, to models.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsKnownStatus reports whether s is one of the order statuses.
func IsKnownStatus(s models.OrderStatus) bool {
	_, ok := transitions[s]
	return ok
}

// Machine applies status transitions to an order in memory. It performs no I/O; callers
// persist the mutated order.
type Machine struct {
	// DedupWindow suppresses a timeline entry when the previous entry has the same status and
	// was recorded less than this long ago.
	DedupWindow time.Duration
}

// Transition moves o to status to, appending a timeline entry.
func (m Machine) Transition(o *models.Order, to models.OrderStatus, actor, note string, now time.Time) error {
	if o == nil {
		return apperr.Validation("order is required")
	}
	if !CanTransition(o.Status, to) {
		return apperr.New(apperr.CodeInvalidTransition, "cannot transition order from %s to %s", o.Status, to).
			WithDetail("from", string(o.Status)).
			WithDetail("to", string(to))
	}
	now = now.UTC()
	o.Status = to
	m.appendEntry(o, models.TimelineEntry{Status: to, At: now, Note: note, Actor: actor})
	if to == models.OrderStatusDelivered {
		t := now
		o.ActualDeliveryTime = &t
	}
	o.UpdatedAt = now
	return nil
}

// Cancel moves o to CANCELLED and records how much must be refunded. Terminal orders are
// rejected with terminal_state and left untouched. Orders in flight cannot be cancelled.
func (m Machine) Cancel(o *models.Order, reason, actor string, now time.Time) error {
	if o == nil {
		return apperr.Validation("order is required")
	}
	if o.Status.IsTerminal() {
		return apperr.New(apperr.CodeTerminalState, "order is already %s", o.Status).
			WithDetail("status", string(o.Status))
	}
	if err := m.Transition(o, models.OrderStatusCancelled, actor, reason, now); err != nil {
		return err
	}
	var refund int64
	if o.Payment.Status == models.OrderPaymentPaid {
		refund = o.Amount.Total
	}
	refundStatus := models.RefundStatusNone
	if refund > 0 {
		refundStatus = models.RefundStatusRequested
	}
	o.Cancellation = &models.Cancellation{
		Reason:       reason,
		CancelledBy:  actor,
		CancelledAt:  now.UTC(),
		RefundAmount: refund,
		RefundStatus: refundStatus,
	}
	return nil
}

// Annotate records a note against the current status without changing it, e.g. a payment
// that arrived or a refund that could not be issued. Inside the dedup window the note is
// folded into the previous entry of the same status.
func (m Machine) Annotate(o *models.Order, actor, note string, now time.Time) {
	now = now.UTC()
	m.appendEntry(o, models.TimelineEntry{Status: o.Status, At: now, Note: note, Actor: actor})
	o.UpdatedAt = now
}

// appendEntry never leaves two consecutive entries of one status less than DedupWindow apart.
func (m Machine) appendEntry(o *models.Order, e models.TimelineEntry) {
	if n := len(o.Timeline); n > 0 {
		last := &o.Timeline[n-1]
		if last.Status == e.Status && e.At.Sub(last.At) < m.DedupWindow {
			last.Note = joinNotes(last.Note, e.Note)
			return
		}
	}
	o.Timeline = append(o.Timeline, e)
}

func joinNotes(prev, next string) string {
	switch {
	case next == "" || next == prev:
		return prev
	case prev == "":
		return next
	}
	return prev + "; " + next
}

// Validate replays the timeline like ValidateTimeline and also rejects consecutive entries of
// one status recorded inside the dedup window.
func (m Machine) Validate(timeline []models.TimelineEntry) error {
	if err := ValidateTimeline(timeline); err != nil {
		return err
	}
	for i := 1; i < len(timeline); i++ {
		prev, cur := timeline[i-1], timeline[i]
		if prev.Status == cur.Status && cur.At.Sub(prev.At) < m.DedupWindow {
			return apperr.Validation("timeline entries %d and %d repeat %s within %s", i-1, i, cur.Status, m.DedupWindow)
		}
	}
	return nil
}

// ValidateTimeline replays a timeline and checks that it starts at PLACED and that every
// status change follows an edge of the graph. Repeated statuses are annotations.
func ValidateTimeline(timeline []models.TimelineEntry) error {
	if len(timeline) == 0 {
		return apperr.Validation("timeline is empty")
	}
	if timeline[0].Status != models.OrderStatusPlaced {
		return apperr.Validation("timeline starts at %s, want %s", timeline[0].Status, models.OrderStatusPlaced)
	}
	for i := 1; i < len(timeline); i++ {
		prev, cur := timeline[i-1].Status, timeline[i].Status
		if prev == cur {
			continue
		}
		if !CanTransition(prev, cur) {
			return apperr.New(apperr.CodeInvalidTransition, "timeline entry %d: %s -> %s", i, prev, cur)
		}
	}
	return nil
}
