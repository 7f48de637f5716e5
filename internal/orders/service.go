package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"droneFoodDelivery/internal/apperr"
	"droneFoodDelivery/internal/db"
	"droneFoodDelivery/internal/events"
	"droneFoodDelivery/internal/requestctx"
	"droneFoodDelivery/models"
	"droneFoodDelivery/repository"
)

const (
	maxWriteAttempts   = 5
	maxNumberAttempts  = 3
	defaultDedupWindow = 3 * time.Second
)

// errUnchanged tells mutate that the order already reflects the request.
var errUnchanged = errors.New("order unchanged")

// PaymentRefunder issues refunds through the payment service.
type PaymentRefunder interface {
	Refund(ctx context.Context, paymentID string, amount int64, reason string) (*models.Payment, error)
}

// Deps wires the collaborators of the order lifecycle controller.
type Deps struct {
	Orders             repository.OrderRepositoryI
	Sequence           repository.SequenceRepositoryI
	Payments           PaymentRefunder
	Events             events.Publisher
	Clock              func() time.Time
	IDGenerator        func() string
	Logger             *zap.Logger
	DedupWindow        time.Duration
	Location           *time.Location
	DefaultDeliveryFee int64
	Currency           string
}

// Service is the Order Lifecycle Controller. Every status change goes through Machine and is
// persisted with a compare-and-set on the order version.
type Service struct {
	orders     repository.OrderRepositoryI
	numbers    Numberer
	payments   PaymentRefunder
	events     events.Publisher
	machine    Machine
	now        func() time.Time
	newID      func() string
	logger     *zap.Logger
	defaultFee int64
	currency   string
}

// NewService validates deps and fills defaults.
func NewService(deps Deps) (*Service, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Sequence == nil {
		return nil, errors.New("order service: sequence repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pub := deps.Events
	if pub == nil {
		pub = events.Noop{}
	}
	dedup := deps.DedupWindow
	if dedup <= 0 {
		dedup = defaultDedupWindow
	}
	currency := deps.Currency
	if currency == "" {
		currency = "VND"
	}
	return &Service{
		orders:     deps.Orders,
		numbers:    Numberer{Prefix: "ORD", Sequence: deps.Sequence, Location: deps.Location},
		payments:   deps.Payments,
		events:     pub,
		machine:    Machine{DedupWindow: dedup},
		now:        func() time.Time { return clock().UTC() },
		newID:      idGen,
		logger:     logger,
		defaultFee: deps.DefaultDeliveryFee,
		currency:   currency,
	}, nil
}

// PlaceOrderCommand is the input of PlaceOrder.
type PlaceOrderCommand struct {
	RestaurantID          string                 `json:"restaurantId"`
	Items                 []ItemInput            `json:"items"`
	Amount                AmountInput            `json:"amount"`
	DeliveryAddress       models.DeliveryAddress `json:"deliveryAddress"`
	PaymentMethod         string                 `json:"paymentMethod"`
	EstimatedDeliveryTime *time.Time             `json:"estimatedDeliveryTime,omitempty"`
}

// PlaceOrder creates an order in PLACED for the requesting customer.
func (s *Service) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand, req models.Requester) (*models.Order, error) {
	if req.Role != models.RoleCustomer || req.UserID == "" {
		return nil, apperr.Forbidden("only customers can place orders")
	}
	restaurantID := strings.TrimSpace(cmd.RestaurantID)
	if restaurantID == "" {
		return nil, apperr.Validation("restaurantId is required")
	}
	if err := validateAddress(cmd.DeliveryAddress); err != nil {
		return nil, err
	}
	items, err := BuildItems(cmd.Items)
	if err != nil {
		return nil, err
	}
	amount, err := ComputeAmount(items, cmd.Amount, s.defaultFee, s.currency)
	if err != nil {
		return nil, err
	}

	now := s.now()
	actor := actorOf(req)
	o := &models.Order{
		ID:              s.newID(),
		UserID:          req.UserID,
		RestaurantID:    restaurantID,
		Items:           items,
		Amount:          amount,
		DeliveryAddress: cmd.DeliveryAddress,
		Payment: models.OrderPayment{
			Method: strings.TrimSpace(cmd.PaymentMethod),
			Status: models.OrderPaymentUnpaid,
		},
		Status:                models.OrderStatusPlaced,
		Timeline:              []models.TimelineEntry{{Status: models.OrderStatusPlaced, At: now, Note: "order placed", Actor: actor}},
		EstimatedDeliveryTime: cmd.EstimatedDeliveryTime,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	for attempt := 1; ; attempt++ {
		number, err := s.numbers.Next(ctx, now)
		if err != nil {
			if _, ok := apperr.As(err); ok {
				return nil, err
			}
			return nil, apperr.Internal(err, "allocate order number")
		}
		o.OrderNumber = number
		err = s.orders.Create(ctx, o)
		if err == nil {
			break
		}
		if db.IsUniqueViolation(err) && attempt < maxNumberAttempts {
			s.log(ctx).Warn("order number collision, retrying", zap.String("order_number", number))
			continue
		}
		if db.IsUniqueViolation(err) {
			return nil, apperr.Wrap(apperr.CodeConflict, err, "could not allocate a unique order number")
		}
		return nil, apperr.Internal(err, "create order")
	}

	s.log(ctx).Info("order placed",
		zap.String("order_id", o.ID),
		zap.String("order_number", o.OrderNumber),
		zap.Int64("total", o.Amount.Total))
	s.publish(ctx, o, "", actor, "order placed")
	return o, nil
}

func validateAddress(a models.DeliveryAddress) error {
	if strings.TrimSpace(a.Text) == "" {
		return apperr.Validation("deliveryAddress.text is required")
	}
	if p := a.Location; p != nil {
		if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
			return apperr.Validation("deliveryAddress.location is out of range")
		}
	}
	return nil
}

// GetOrder returns the order if the requester may see it.
func (s *Service) GetOrder(ctx context.Context, id string, req models.Requester) (*models.Order, error) {
	o, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(req, o) {
		return nil, apperr.Forbidden("not allowed to view order %s", id)
	}
	return o, nil
}

// GetOrderByNumber looks an order up by its order number, e.g. one read out by a customer.
func (s *Service) GetOrderByNumber(ctx context.Context, number string, req models.Requester) (*models.Order, error) {
	number = strings.ToUpper(strings.TrimSpace(number))
	if number == "" {
		return nil, apperr.Validation("order number is required")
	}
	o, err := s.orders.GetByOrderNumber(ctx, number)
	if err != nil {
		return nil, apperr.Internal(err, "load order %s", number)
	}
	if o == nil || !canView(req, o) {
		return nil, apperr.NotFound("order %s not found", number)
	}
	return o, nil
}

func canView(req models.Requester, o *models.Order) bool {
	return req.Owns(o) || req.IsAdmin() || req.IsService() || req.StaffOf(o.RestaurantID)
}

// ListOrders returns a page of orders visible to the requester, newest first, and the cursor
// of the next page ("" on the last page).
func (s *Service) ListOrders(ctx context.Context, req models.Requester, pageSize int, after string) ([]models.Order, string, error) {
	var (
		list []models.Order
		err  error
	)
	switch {
	case req.IsAdmin():
		list, err = s.orders.ListAdmin(ctx, repository.ListOrdersAdminParams{PageSize: pageSize, AfterID: after})
	case req.Role == models.RoleRestaurant && req.RestaurantID != "":
		rid := req.RestaurantID
		list, err = s.orders.ListAdmin(ctx, repository.ListOrdersAdminParams{RestaurantID: &rid, PageSize: pageSize, AfterID: after})
	case req.Role == models.RoleCustomer && req.UserID != "":
		list, err = s.orders.ListByUserPage(ctx, req.UserID, pageSize, after)
	default:
		return nil, "", apperr.Forbidden("not allowed to list orders")
	}
	if err != nil {
		return nil, "", apperr.Internal(err, "list orders")
	}
	next := ""
	if len(list) > 0 && len(list) == effectivePageSize(pageSize) {
		next = list[len(list)-1].ID
	}
	return list, next, nil
}

func effectivePageSize(n int) int {
	if n <= 0 {
		return 20
	}
	if n > 100 {
		return 100
	}
	return n
}

// restaurantStatuses are the statuses restaurant staff may drive.
var restaurantStatuses = map[models.OrderStatus]bool{
	models.OrderStatusConfirmed:      true,
	models.OrderStatusCooking:        true,
	models.OrderStatusReadyForPickup: true,
	models.OrderStatusCancelled:      true,
}

// UpdateStatus drives the state machine on behalf of a requester. Customers may only cancel,
// restaurant staff drive kitchen progress, and admins may take any edge. IN_FLIGHT needs a
// mission and is only reachable through Dispatch.
func (s *Service) UpdateStatus(ctx context.Context, id string, to models.OrderStatus, note string, req models.Requester) (*models.Order, error) {
	if !IsKnownStatus(to) {
		return nil, apperr.Validation("unknown status %q", to)
	}
	if to == models.OrderStatusInFlight {
		return nil, apperr.New(apperr.CodeInvalidTransition, "IN_FLIGHT is set by drone assignment")
	}
	authorize := func(o *models.Order) error {
		switch {
		case req.IsAdmin():
			return nil
		case req.StaffOf(o.RestaurantID):
			if restaurantStatuses[to] {
				return nil
			}
		case req.Owns(o):
			if to == models.OrderStatusCancelled {
				return nil
			}
		}
		return apperr.Forbidden("not allowed to set order %s to %s", o.ID, to)
	}
	if to == models.OrderStatusCancelled {
		return s.cancel(ctx, id, note, req, authorize)
	}

	actor := actorOf(req)
	o, prev, err := s.mutate(ctx, id, func(o *models.Order) error {
		if err := authorize(o); err != nil {
			return err
		}
		return s.machine.Transition(o, to, actor, note, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, o, prev, actor, note)
	return o, nil
}

// CancelOrder cancels on behalf of the owner or an admin and requests the refund the
// cancellation owes.
func (s *Service) CancelOrder(ctx context.Context, id, reason string, req models.Requester) (*models.Order, error) {
	return s.cancel(ctx, id, reason, req, func(o *models.Order) error {
		if req.Owns(o) || req.IsAdmin() {
			return nil
		}
		return apperr.Forbidden("not allowed to cancel order %s", o.ID)
	})
}

func (s *Service) cancel(ctx context.Context, id, reason string, req models.Requester, authorize func(*models.Order) error) (*models.Order, error) {
	reason = strings.TrimSpace(reason)
	actor := actorOf(req)
	o, prev, err := s.mutate(ctx, id, func(o *models.Order) error {
		if err := authorize(o); err != nil {
			return err
		}
		return s.machine.Cancel(o, reason, actor, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, o, prev, actor, reason)

	if o.Cancellation == nil || o.Cancellation.RefundAmount <= 0 {
		return o, nil
	}
	return s.issueRefund(ctx, o, reason)
}

// issueRefund is the second hop of a cancellation. The order is already CANCELLED; a failure
// here is recorded on the order and returned as partial_failure.
func (s *Service) issueRefund(ctx context.Context, o *models.Order, reason string) (*models.Order, error) {
	log := s.log(ctx).With(zap.String("order_id", o.ID), zap.String("payment_id", o.Payment.PaymentID))
	amount := o.Cancellation.RefundAmount

	var refundErr error
	switch {
	case s.payments == nil:
		refundErr = errors.New("no payment service configured")
	case o.Payment.PaymentID == "":
		refundErr = errors.New("order has no payment id")
	default:
		_, refundErr = s.payments.Refund(ctx, o.Payment.PaymentID, amount, refundReason(o, reason))
	}

	if refundErr == nil {
		updated, _, err := s.mutate(ctx, o.ID, func(cur *models.Order) error {
			if cur.Cancellation == nil || cur.Cancellation.RefundStatus == models.RefundStatusCompleted {
				return errUnchanged
			}
			cur.Cancellation.RefundStatus = models.RefundStatusCompleted
			cur.Payment.Status = models.OrderPaymentRefunded
			s.machine.Annotate(cur, "system", fmt.Sprintf("refund of %d issued", amount), s.now())
			return nil
		})
		if err != nil {
			log.Error("refund issued but not recorded on order", zap.Int64("amount", amount), zap.Error(err))
			s.reconcile(ctx, events.ReconciliationRequired{
				Kind: events.KindRefundNotIssued, OrderID: o.ID, PaymentID: o.Payment.PaymentID,
				Step: "record-refund", Reason: err.Error(),
			})
			return nil, apperr.Wrap(apperr.CodePartialFailure, err, "order cancelled and refunded, but the refund was not recorded").
				WithDetail("order_id", o.ID).
				WithDetail("payment_id", o.Payment.PaymentID)
		}
		return updated, nil
	}

	log.Error("order cancelled but refund failed", zap.Int64("amount", amount), zap.Error(refundErr))
	if _, _, err := s.mutate(ctx, o.ID, func(cur *models.Order) error {
		if cur.Cancellation == nil || cur.Cancellation.RefundStatus != models.RefundStatusRequested {
			return errUnchanged
		}
		cur.Cancellation.RefundStatus = models.RefundStatusFailed
		s.machine.Annotate(cur, "system", "refund failed: "+refundErr.Error(), s.now())
		return nil
	}); err != nil {
		log.Error("could not record failed refund", zap.Error(err))
	}
	s.reconcile(ctx, events.ReconciliationRequired{
		Kind: events.KindRefundNotIssued, OrderID: o.ID, PaymentID: o.Payment.PaymentID,
		Step: "refund", Reason: refundErr.Error(),
	})
	return nil, apperr.Wrap(apperr.CodePartialFailure, refundErr, "order cancelled, but the refund could not be issued").
		WithDetail("order_id", o.ID).
		WithDetail("payment_id", o.Payment.PaymentID).
		WithDetail("refund_amount", amount)
}

func refundReason(o *models.Order, reason string) string {
	if reason == "" {
		return "order " + o.OrderNumber + " cancelled"
	}
	return reason
}

// RateOrder records the customer's rating of a delivered order. An order is rated once.
func (s *Service) RateOrder(ctx context.Context, id string, score int, comment string, req models.Requester) (*models.Order, error) {
	if score < 1 || score > 5 {
		return nil, apperr.Validation("score must be between 1 and 5")
	}
	o, _, err := s.mutate(ctx, id, func(o *models.Order) error {
		if !req.Owns(o) {
			return apperr.Forbidden("only the customer can rate order %s", o.ID)
		}
		if o.Status != models.OrderStatusDelivered {
			return apperr.New(apperr.CodeInvalidState, "order is %s, only delivered orders can be rated", o.Status)
		}
		if o.Rating != nil {
			return apperr.New(apperr.CodeConflict, "order %s is already rated", o.ID)
		}
		now := s.now()
		o.Rating = &models.Rating{Score: score, Comment: strings.TrimSpace(comment), RatedAt: now}
		o.UpdatedAt = now
		return nil
	})
	return o, err
}

// PaymentUpdate is the payment service's report of a payment outcome.
type PaymentUpdate struct {
	PaymentID        string                    `json:"paymentId"`
	Method           string                    `json:"method"`
	Status           models.OrderPaymentStatus `json:"status"`
	GatewayRequestID string                    `json:"gatewayRequestId,omitempty"`
	TransactionID    string                    `json:"transactionId,omitempty"`
}

// ApplyPaymentUpdate records a payment outcome on the order. A PAID update moves a PLACED
// order to CONFIRMED. Repeating an update that is already recorded changes nothing.
func (s *Service) ApplyPaymentUpdate(ctx context.Context, id string, u PaymentUpdate, req models.Requester) (*models.Order, error) {
	if err := requireInternal(req); err != nil {
		return nil, err
	}
	switch u.Status {
	case models.OrderPaymentPaid, models.OrderPaymentFailed, models.OrderPaymentRefunded:
	default:
		return nil, apperr.Validation("unsupported payment status %q", u.Status)
	}
	if strings.TrimSpace(u.PaymentID) == "" {
		return nil, apperr.Validation("paymentId is required")
	}

	actor := actorOf(req)
	latePayment := false
	o, prev, err := s.mutate(ctx, id, func(o *models.Order) error {
		latePayment = false
		if o.Payment.Status == u.Status && o.Payment.PaymentID == u.PaymentID {
			return errUnchanged
		}
		if o.Payment.Status == models.OrderPaymentRefunded {
			return errUnchanged
		}
		o.Payment.PaymentID = u.PaymentID
		if u.Method != "" {
			o.Payment.Method = u.Method
		}
		if u.GatewayRequestID != "" {
			o.Payment.GatewayRequestID = u.GatewayRequestID
		}
		if u.TransactionID != "" {
			o.Payment.TransactionID = u.TransactionID
		}
		o.Payment.Status = u.Status
		now := s.now()
		switch u.Status {
		case models.OrderPaymentPaid:
			if o.Status == models.OrderStatusPlaced {
				return s.machine.Transition(o, models.OrderStatusConfirmed, actor, "payment received", now)
			}
			if o.Status == models.OrderStatusCancelled {
				latePayment = true
				s.machine.Annotate(o, actor, "payment received after cancellation", now)
				return nil
			}
			s.machine.Annotate(o, actor, "payment received", now)
		case models.OrderPaymentFailed:
			s.machine.Annotate(o, actor, "payment failed", now)
		case models.OrderPaymentRefunded:
			if o.Cancellation != nil {
				o.Cancellation.RefundStatus = models.RefundStatusCompleted
			}
			s.machine.Annotate(o, actor, "payment refunded", now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if latePayment {
		s.log(ctx).Error("payment captured for a cancelled order",
			zap.String("order_id", o.ID), zap.String("payment_id", u.PaymentID))
		s.reconcile(ctx, events.ReconciliationRequired{
			Kind: events.KindLatePaymentSuccess, OrderID: o.ID, PaymentID: u.PaymentID,
			Step: "apply-payment", Reason: "payment captured after order was cancelled",
		})
	}
	s.publish(ctx, o, prev, actor, "payment update")
	return o, nil
}

// DispatchCommand links an order to the mission flying it.
type DispatchCommand struct {
	MissionID string `json:"missionId"`
	DroneID   string `json:"droneId"`
	Note      string `json:"note,omitempty"`
}

// Dispatch sets the order's mission once and moves it from READY_FOR_PICKUP to IN_FLIGHT.
// Repeating it with the same mission id is a no-op.
func (s *Service) Dispatch(ctx context.Context, id string, cmd DispatchCommand, req models.Requester) (*models.Order, error) {
	if err := requireInternal(req); err != nil {
		return nil, err
	}
	missionID := strings.TrimSpace(cmd.MissionID)
	droneID := strings.TrimSpace(cmd.DroneID)
	if missionID == "" || droneID == "" {
		return nil, apperr.Validation("missionId and droneId are required")
	}
	actor := actorOf(req)
	note := cmd.Note
	if note == "" {
		note = fmt.Sprintf("dispatched with drone %s on mission %s", droneID, missionID)
	}
	o, prev, err := s.mutate(ctx, id, func(o *models.Order) error {
		if o.MissionID != nil {
			if *o.MissionID == missionID {
				return errUnchanged
			}
			return apperr.New(apperr.CodeAlreadyAssigned, "order %s already has mission %s", o.ID, *o.MissionID).
				WithDetail("mission_id", *o.MissionID)
		}
		if o.Status != models.OrderStatusReadyForPickup {
			return apperr.New(apperr.CodeInvalidState, "order is %s, want %s", o.Status, models.OrderStatusReadyForPickup).
				WithDetail("status", string(o.Status))
		}
		if err := s.machine.Transition(o, models.OrderStatusInFlight, actor, note, s.now()); err != nil {
			return err
		}
		o.MissionID = &missionID
		o.DroneID = &droneID
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, o, prev, actor, note)
	return o, nil
}

// ApplyDeliveryOutcome reflects the end of a mission onto an IN_FLIGHT order.
func (s *Service) ApplyDeliveryOutcome(ctx context.Context, id string, to models.OrderStatus, note string, req models.Requester) (*models.Order, error) {
	if err := requireInternal(req); err != nil {
		return nil, err
	}
	if to != models.OrderStatusDelivered && to != models.OrderStatusFailed {
		return nil, apperr.Validation("delivery outcome must be %s or %s", models.OrderStatusDelivered, models.OrderStatusFailed)
	}
	actor := actorOf(req)
	o, prev, err := s.mutate(ctx, id, func(o *models.Order) error {
		if o.Status == to {
			return errUnchanged
		}
		return s.machine.Transition(o, to, actor, note, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, o, prev, actor, note)
	return o, nil
}

func requireInternal(req models.Requester) error {
	if req.IsService() || req.IsAdmin() {
		return nil
	}
	return apperr.Forbidden("internal operation")
}

// mutate loads the order, applies fn and writes it back with a compare-and-set on version.
// A lost race re-reads and re-applies fn, so fn re-validates against the winner's state.
func (s *Service) mutate(ctx context.Context, id string, fn func(*models.Order) error) (*models.Order, models.OrderStatus, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		o, err := s.load(ctx, id)
		if err != nil {
			return nil, "", err
		}
		prev := o.Status
		if err := fn(o); err != nil {
			if errors.Is(err, errUnchanged) {
				return o, o.Status, nil
			}
			return nil, prev, err
		}
		ok, err := s.orders.Update(ctx, o, o.Version)
		if err != nil {
			if db.IsConstraintViolation(err) {
				return nil, prev, apperr.Wrap(apperr.CodeConflict, err, "order %s rejected the update", id)
			}
			return nil, prev, apperr.Internal(err, "update order %s", id)
		}
		if ok {
			return o, prev, nil
		}
		s.log(ctx).Debug("order version conflict, retrying", zap.String("order_id", id), zap.Int("attempt", attempt+1))
	}
	return nil, "", apperr.New(apperr.CodeConflict, "order %s is being modified concurrently", id)
}

func (s *Service) load(ctx context.Context, id string) (*models.Order, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperr.Validation("order id is required")
	}
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.Internal(err, "load order %s", id)
	}
	if o == nil {
		return nil, apperr.NotFound("order %s not found", id)
	}
	return o, nil
}

func (s *Service) publish(ctx context.Context, o *models.Order, from models.OrderStatus, actor, note string) {
	if from == o.Status {
		return
	}
	err := s.events.OrderStatusChanged(ctx, events.OrderStatusChanged{
		OrderID:      o.ID,
		OrderNumber:  o.OrderNumber,
		UserID:       o.UserID,
		RestaurantID: o.RestaurantID,
		From:         from,
		To:           o.Status,
		Actor:        actor,
		Note:         note,
		OccurredAt:   o.UpdatedAt,
	})
	if err != nil {
		s.log(ctx).Warn("publish order status change", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func (s *Service) reconcile(ctx context.Context, e events.ReconciliationRequired) {
	e.OccurredAt = s.now()
	if err := s.events.ReconciliationRequired(ctx, e); err != nil {
		s.log(ctx).Warn("publish reconciliation event", zap.String("order_id", e.OrderID), zap.Error(err))
	}
}

func (s *Service) log(ctx context.Context) *zap.Logger {
	if l := requestctx.Logger(ctx); l != requestctx.NoopLogger() {
		return l
	}
	return s.logger
}

func actorOf(req models.Requester) string {
	if req.Role == "" {
		return req.UserID
	}
	return string(req.Role) + ":" + req.UserID
}
