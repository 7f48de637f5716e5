package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"droneFoodDelivery/internal/apperr"
	"droneFoodDelivery/internal/db"
	"droneFoodDelivery/internal/events"
	"droneFoodDelivery/internal/orders"
	"droneFoodDelivery/internal/requestctx"
	"droneFoodDelivery/models"
	"droneFoodDelivery/repository"
)

const maxWriteAttempts = 5

// OrderService is the payment service's view of the order service.
type OrderService interface {
	Get(ctx context.Context, id string) (*models.Order, error)
	ApplyPayment(ctx context.Context, id string, u orders.PaymentUpdate) (*models.Order, error)
}

// Deps wires the orchestrator.
type Deps struct {
	Payments    repository.PaymentRepositoryI
	Orders      OrderService
	Gateways    []Gateway
	Events      events.Publisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      *zap.Logger
	TTL         time.Duration
	ReturnURL   string
}

// Service is the Payment Orchestrator.
type Service struct {
	payments  repository.PaymentRepositoryI
	orders    OrderService
	gateways  map[string]Gateway
	events    events.Publisher
	now       func() time.Time
	newID     func() string
	logger    *zap.Logger
	ttl       time.Duration
	returnURL string
}

// NewService validates deps and fills defaults.
func NewService(deps Deps) (*Service, error) {
	if deps.Payments == nil {
		return nil, errors.New("payment service: payment repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("payment service: order client is required")
	}
	if len(deps.Gateways) == 0 {
		return nil, errors.New("payment service: at least one gateway is required")
	}
	gateways := make(map[string]Gateway, len(deps.Gateways))
	for _, g := range deps.Gateways {
		gateways[g.Name()] = g
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
	ttl := deps.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Service{
		payments:  deps.Payments,
		orders:    deps.Orders,
		gateways:  gateways,
		events:    pub,
		now:       func() time.Time { return clock().UTC() },
		newID:     idGen,
		logger:    logger,
		ttl:       ttl,
		returnURL: deps.ReturnURL,
	}, nil
}

func isPayable(s models.OrderStatus) bool {
	return s == models.OrderStatusPlaced || s == models.OrderStatusConfirmed
}

// CreatePayment requests a gateway payment for the requester's order. An order has at most
// one payment: when it already exists it is returned unchanged. A gateway failure leaves the
// payment FAILED.
func (s *Service) CreatePayment(ctx context.Context, orderID, method string, req models.Requester) (*models.Payment, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, apperr.Validation("orderId is required")
	}
	method = strings.ToLower(strings.TrimSpace(method))
	gw, ok := s.gateways[method]
	if !ok {
		return nil, apperr.Validation("unsupported payment method %q", method)
	}

	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !req.Owns(order) {
		return nil, apperr.Forbidden("order %s belongs to another user", orderID)
	}
	if existing, err := s.payments.GetByOrderID(ctx, orderID); err != nil {
		return nil, apperr.Internal(err, "load payment for order %s", orderID)
	} else if existing != nil {
		return existing, nil
	}
	if !isPayable(order.Status) {
		return nil, apperr.New(apperr.CodeInvalidState, "order is %s and cannot be paid", order.Status).
			WithDetail("status", string(order.Status))
	}

	now := s.now()
	expires := now.Add(s.ttl)
	p := &models.Payment{
		ID:          s.newID(),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Method:      gw.Name(),
		Status:      models.PaymentStatusPending,
		Amount:      order.Amount,
		Timeline:    []models.PaymentEvent{{Status: models.PaymentStatusPending, At: now, Note: "payment requested", Actor: actorOf(req)}},
		ExpiresAt:   &expires,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.payments.Create(ctx, p); err != nil {
		if db.IsUniqueViolation(err) {
			// A concurrent request created it first.
			existing, gerr := s.payments.GetByOrderID(ctx, orderID)
			if gerr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, apperr.Internal(err, "create payment")
	}

	log := s.log(ctx).With(zap.String("order_id", p.OrderID), zap.String("payment_id", p.ID), zap.String("gateway", gw.Name()))
	res, gwErr := gw.CreatePayment(ctx, CreateRequest{
		PaymentID:      p.ID,
		OrderID:        p.OrderID,
		OrderNumber:    p.OrderNumber,
		Amount:         p.Amount.Total,
		Currency:       p.Amount.Currency,
		ReturnURL:      s.returnURL,
		ExpiresAt:      expires,
		IdempotencyKey: "payment-" + p.ID,
	})

	at := s.now()
	if gwErr != nil {
		log.Error("gateway payment request failed", zap.Error(gwErr))
		p.Status = models.PaymentStatusFailed
		p.ExpiresAt = nil
		p.Timeline = append(p.Timeline, models.PaymentEvent{Status: models.PaymentStatusFailed, At: at, Note: "gateway request failed: " + gwErr.Error(), Actor: gw.Name()})
	} else {
		p.Status = models.PaymentStatusProcessing
		p.GatewayRequestID = res.RequestID
		p.PaymentURL = res.PaymentURL
		p.GatewaySignature = res.Signature
		p.Timeline = append(p.Timeline, models.PaymentEvent{Status: models.PaymentStatusProcessing, At: at, Note: "awaiting gateway confirmation", Actor: gw.Name()})
	}
	p.UpdatedAt = at
	ok, err = s.payments.Update(ctx, p, p.Version)
	if err != nil || !ok {
		if err == nil {
			err = errors.New("payment changed concurrently")
		}
		log.Error("could not record gateway response", zap.Error(err))
		return nil, apperr.Internal(err, "record gateway response for payment %s", p.ID)
	}
	if gwErr != nil {
		return nil, apperr.Wrap(apperr.CodeUpstreamUnavailable, gwErr, "payment gateway %s is unavailable", gw.Name()).
			WithDetail("payment_id", p.ID)
	}
	log.Info("payment requested", zap.String("gateway_request_id", p.GatewayRequestID))
	return p, nil
}

// CallbackAck is returned to the gateway once a notification has been handled.
type CallbackAck struct {
	PaymentID string               `json:"paymentId,omitempty"`
	Status    models.PaymentStatus `json:"status,omitempty"`
	Duplicate bool                 `json:"duplicate,omitempty"`
	Ignored   bool                 `json:"ignored,omitempty"`
}

// ProcessCallback verifies a gateway notification and applies it to the payment, then to the
// order. Repeated notifications do not change the payment again but re-send the order
// update, which heals an earlier failed order update.
func (s *Service) ProcessCallback(ctx context.Context, gateway string, header http.Header, body []byte) (*CallbackAck, error) {
	gw, ok := s.gateways[strings.ToLower(strings.TrimSpace(gateway))]
	if !ok {
		return nil, apperr.NotFound("unknown gateway %q", gateway)
	}
	cb, err := gw.VerifyCallback(header, body)
	if err != nil {
		if _, classified := apperr.As(err); classified {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.CodeGatewayVerificationFailed, err, "callback verification failed")
	}
	if cb.Ignored {
		return &CallbackAck{Ignored: true}, nil
	}

	p, err := s.resolve(ctx, gw, cb)
	if err != nil {
		return nil, err
	}
	log := s.log(ctx).With(zap.String("order_id", p.OrderID), zap.String("payment_id", p.ID), zap.String("gateway", gw.Name()))
	if cb.Success && cb.Amount != p.Amount.Total {
		log.Error("callback amount does not match payment", zap.Int64("callback_amount", cb.Amount), zap.Int64("payment_amount", p.Amount.Total))
		return nil, apperr.New(apperr.CodeGatewayVerificationFailed, "callback amount %d does not match payment amount %d", cb.Amount, p.Amount.Total).
			WithDetail("payment_id", p.ID)
	}

	ack := &CallbackAck{PaymentID: p.ID}
	for attempt := 0; ; attempt++ {
		if attempt == maxWriteAttempts {
			return nil, apperr.New(apperr.CodeConflict, "payment %s is being modified concurrently", p.ID)
		}
		switch {
		case p.Status == models.PaymentStatusCompleted && cb.Success,
			p.Status == models.PaymentStatusFailed && !cb.Success:
			ack.Duplicate = true
		case p.Status == models.PaymentStatusRefunded:
			ack.Duplicate = true
			ack.Status = p.Status
			return ack, nil
		case cb.Success && (p.Status == models.PaymentStatusFailed || p.Status == models.PaymentStatusCancelled):
			log.Error("gateway reported success for a payment already marked failed", zap.String("status", string(p.Status)),
				zap.String("transaction_id", cb.TransactionID))
			s.reconcile(ctx, events.ReconciliationRequired{
				Kind: events.KindLatePaymentSuccess, OrderID: p.OrderID, PaymentID: p.ID,
				Step: "callback", Reason: "success callback after payment " + string(p.Status),
			})
			ack.Status = p.Status
			return ack, nil
		case !cb.Success && p.Status == models.PaymentStatusCompleted:
			log.Warn("gateway reported failure for a completed payment, ignoring")
			ack.Status = p.Status
			return ack, nil
		default:
			s.applyOutcome(p, cb, gw.Name())
			updated, err := s.payments.Update(ctx, p, p.Version)
			if err != nil {
				return nil, apperr.Internal(err, "update payment %s", p.ID)
			}
			if !updated {
				if p, err = s.reload(ctx, p.ID); err != nil {
					return nil, err
				}
				continue
			}
			log.Info("payment settled", zap.String("status", string(p.Status)))
		}
		break
	}
	ack.Status = p.Status

	update := orders.PaymentUpdate{
		PaymentID:        p.ID,
		Method:           p.Method,
		Status:           orderPaymentStatus(p.Status),
		GatewayRequestID: p.GatewayRequestID,
		TransactionID:    p.GatewayTransactionID,
	}
	if _, err := s.orders.ApplyPayment(ctx, p.OrderID, update); err != nil {
		log.Error("payment recorded but order update failed", zap.String("payment_status", string(p.Status)), zap.Error(err))
		s.reconcile(ctx, events.ReconciliationRequired{
			Kind: events.KindOrderPaymentSync, OrderID: p.OrderID, PaymentID: p.ID,
			Step: "apply-payment", Reason: err.Error(),
		})
		return nil, apperr.Wrap(apperr.CodePartialFailure, err, "payment %s is %s but the order was not updated", p.ID, p.Status).
			WithDetail("order_id", p.OrderID).
			WithDetail("payment_id", p.ID).
			WithDetail("payment_status", string(p.Status))
	}
	return ack, nil
}

func (s *Service) applyOutcome(p *models.Payment, cb Callback, actor string) {
	now := s.now()
	p.GatewaySignature = cb.Signature
	if cb.TransactionID != "" {
		p.GatewayTransactionID = cb.TransactionID
	}
	p.ExpiresAt = nil
	p.UpdatedAt = now
	if cb.Success {
		p.Status = models.PaymentStatusCompleted
		p.CompletedAt = &now
		p.Timeline = append(p.Timeline, models.PaymentEvent{Status: p.Status, At: now, Note: "payment completed", Actor: actor})
		return
	}
	p.Status = models.PaymentStatusFailed
	note := "payment failed"
	if cb.Message != "" {
		note += ": " + cb.Message
	}
	p.Timeline = append(p.Timeline, models.PaymentEvent{Status: p.Status, At: now, Note: note, Actor: actor})
}

// resolve finds the payment a callback refers to, by the embedded order id first.
func (s *Service) resolve(ctx context.Context, gw Gateway, cb Callback) (*models.Payment, error) {
	var p *models.Payment
	var err error
	if cb.OrderID != "" {
		p, err = s.payments.GetByOrderID(ctx, cb.OrderID)
	} else {
		p, err = s.payments.GetByGatewayRequestID(ctx, gw.Name(), cb.RequestID)
	}
	if err != nil {
		return nil, apperr.Internal(err, "resolve callback payment")
	}
	if p == nil {
		return nil, apperr.NotFound("no payment for callback (order %q, request %q)", cb.OrderID, cb.RequestID)
	}
	if p.Method != gw.Name() {
		return nil, apperr.New(apperr.CodeGatewayVerificationFailed, "payment %s was not issued by %s", p.ID, gw.Name())
	}
	if cb.RequestID != "" && p.GatewayRequestID != "" && cb.RequestID != p.GatewayRequestID {
		return nil, apperr.New(apperr.CodeGatewayVerificationFailed, "callback request id does not match payment %s", p.ID)
	}
	return p, nil
}

// ProcessRefund refunds a completed payment. Refunding an already refunded payment with the
// same amount returns it unchanged. An amount of zero refunds the full total.
func (s *Service) ProcessRefund(ctx context.Context, paymentID string, amount int64, reason string, req models.Requester) (*models.Payment, error) {
	p, err := s.reload(ctx, strings.TrimSpace(paymentID))
	if err != nil {
		return nil, err
	}
	if !canManage(req, p) {
		return nil, apperr.Forbidden("not allowed to refund payment %s", p.ID)
	}
	if amount < 0 {
		return nil, apperr.New(apperr.CodeInvalidAmount, "refund amount must not be negative")
	}
	if amount == 0 {
		amount = p.Amount.Total
	}
	if p.Status == models.PaymentStatusRefunded && p.Refund != nil && p.Refund.Amount == amount {
		return p, nil
	}
	if p.Status != models.PaymentStatusCompleted {
		return nil, apperr.New(apperr.CodeInvalidState, "payment is %s, only completed payments can be refunded", p.Status).
			WithDetail("status", string(p.Status))
	}
	if amount > p.Amount.Total {
		return nil, apperr.New(apperr.CodeInvalidAmount, "refund amount %d exceeds payment total %d", amount, p.Amount.Total)
	}
	gw, ok := s.gateways[p.Method]
	if !ok {
		return nil, apperr.Internal(fmt.Errorf("gateway %q not configured", p.Method), "refund payment %s", p.ID)
	}

	reason = strings.TrimSpace(reason)
	log := s.log(ctx).With(zap.String("order_id", p.OrderID), zap.String("payment_id", p.ID), zap.String("gateway", gw.Name()))
	res, err := gw.Refund(ctx, RefundRequest{
		PaymentID:      p.ID,
		RequestID:      p.GatewayRequestID,
		TransactionID:  p.GatewayTransactionID,
		Amount:         amount,
		Currency:       p.Amount.Currency,
		Reason:         reason,
		IdempotencyKey: fmt.Sprintf("refund-%s-%d", p.ID, amount),
	})
	if err != nil {
		log.Warn("gateway refund failed", zap.Error(err))
		if _, classified := apperr.As(err); classified {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.CodeUpstreamUnavailable, err, "refund at %s failed", gw.Name())
	}

	actor := actorOf(req)
	for attempt := 0; ; attempt++ {
		if attempt == maxWriteAttempts {
			err = fmt.Errorf("payment %s changed concurrently", p.ID)
			break
		}
		if p.Status == models.PaymentStatusRefunded {
			return p, nil
		}
		now := s.now()
		p.Status = models.PaymentStatusRefunded
		p.Refund = &models.Refund{Amount: amount, Reason: reason, GatewayRefundID: res.RefundID, RequestedBy: actor, RefundedAt: now}
		note := "refunded"
		if reason != "" {
			note += ": " + reason
		}
		p.Timeline = append(p.Timeline, models.PaymentEvent{Status: p.Status, At: now, Note: note, Actor: actor})
		p.UpdatedAt = now
		var updated bool
		if updated, err = s.payments.Update(ctx, p, p.Version); err != nil {
			break
		}
		if updated {
			break
		}
		if p, err = s.reload(ctx, p.ID); err != nil {
			break
		}
	}
	if err != nil {
		log.Error("refund issued at gateway but not recorded", zap.String("refund_id", res.RefundID), zap.Error(err))
		s.reconcile(ctx, events.ReconciliationRequired{
			Kind: events.KindRefundNotRecorded, OrderID: p.OrderID, PaymentID: p.ID,
			Step: "record-refund", Reason: err.Error(),
		})
		return nil, apperr.Wrap(apperr.CodePartialFailure, err, "refund issued but not recorded").
			WithDetail("order_id", p.OrderID).
			WithDetail("payment_id", p.ID).
			WithDetail("refund_id", res.RefundID)
	}
	log.Info("payment refunded", zap.Int64("amount", amount), zap.String("refund_id", res.RefundID))

	// The order service records refunds it requested itself.
	if req.IsService() {
		return p, nil
	}
	if _, err := s.orders.ApplyPayment(ctx, p.OrderID, orders.PaymentUpdate{
		PaymentID: p.ID, Method: p.Method, Status: models.OrderPaymentRefunded,
		GatewayRequestID: p.GatewayRequestID, TransactionID: p.GatewayTransactionID,
	}); err != nil {
		log.Error("refund recorded but order update failed", zap.Error(err))
		s.reconcile(ctx, events.ReconciliationRequired{
			Kind: events.KindOrderPaymentSync, OrderID: p.OrderID, PaymentID: p.ID,
			Step: "apply-refund", Reason: err.Error(),
		})
		return nil, apperr.Wrap(apperr.CodePartialFailure, err, "payment %s refunded but the order was not updated", p.ID).
			WithDetail("order_id", p.OrderID).
			WithDetail("payment_id", p.ID)
	}
	return p, nil
}

// GetPayment returns a payment visible to the requester.
func (s *Service) GetPayment(ctx context.Context, id string, req models.Requester) (*models.Payment, error) {
	p, err := s.reload(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if !canManage(req, p) {
		return nil, apperr.Forbidden("not allowed to view payment %s", p.ID)
	}
	return p, nil
}

func canManage(req models.Requester, p *models.Payment) bool {
	return req.IsAdmin() || req.IsService() || (req.UserID != "" && req.UserID == p.UserID && req.Role == models.RoleCustomer)
}

func (s *Service) reload(ctx context.Context, id string) (*models.Payment, error) {
	if id == "" {
		return nil, apperr.Validation("payment id is required")
	}
	p, err := s.payments.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.Internal(err, "load payment %s", id)
	}
	if p == nil {
		return nil, apperr.NotFound("payment %s not found", id)
	}
	return p, nil
}

func orderPaymentStatus(s models.PaymentStatus) models.OrderPaymentStatus {
	switch s {
	case models.PaymentStatusCompleted:
		return models.OrderPaymentPaid
	case models.PaymentStatusRefunded:
		return models.OrderPaymentRefunded
	case models.PaymentStatusFailed, models.PaymentStatusCancelled:
		return models.OrderPaymentFailed
	}
	return models.OrderPaymentUnpaid
}

func (s *Service) reconcile(ctx context.Context, e events.ReconciliationRequired) {
	e.OccurredAt = s.now()
	if err := s.events.ReconciliationRequired(ctx, e); err != nil {
		s.log(ctx).Warn("publish reconciliation event", zap.String("payment_id", e.PaymentID), zap.Error(err))
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
