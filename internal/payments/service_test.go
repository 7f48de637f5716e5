package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"droneFoodDelivery/internal/apperr"
	"droneFoodDelivery/internal/db"
	"droneFoodDelivery/internal/events"
	"droneFoodDelivery/internal/orders"
	"droneFoodDelivery/internal/testutil"
	"droneFoodDelivery/models"
	"droneFoodDelivery/repository"
)

var (
	customer = models.Requester{UserID: "u1", Role: models.RoleCustomer}
	stranger = models.Requester{UserID: "u2", Role: models.RoleCustomer}
	admin    = models.Requester{UserID: "a1", Role: models.RoleAdmin}
	service  = models.Requester{UserID: "order-service", Role: models.RoleService}
)

type stubOrderService struct {
	mu       sync.Mutex
	orders   map[string]*models.Order
	applied  []orders.PaymentUpdate
	applyErr error
}

func (s *stubOrderService) Get(_ context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, apperr.NotFound("order %s not found", id)
	}
	cp := *o
	return &cp, nil
}

func (s *stubOrderService) ApplyPayment(_ context.Context, id string, u orders.PaymentUpdate) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, u)
	if s.applyErr != nil {
		return nil, s.applyErr
	}
	o := s.orders[id]
	o.Payment.Status = u.Status
	o.Payment.PaymentID = u.PaymentID
	return o, nil
}

func (s *stubOrderService) appliedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

// brokenGateway fails every outbound call.
type brokenGateway struct{}

func (brokenGateway) Name() string { return "broken" }
func (brokenGateway) CreatePayment(context.Context, CreateRequest) (CreateResult, error) {
	return CreateResult{}, errors.New("connection refused")
}
func (brokenGateway) VerifyCallback(http.Header, []byte) (Callback, error) {
	return Callback{}, errors.New("not supported")
}
func (brokenGateway) Refund(context.Context, RefundRequest) (RefundResult, error) {
	return RefundResult{}, errors.New("connection refused")
}

type fixture struct {
	svc      *Service
	repo     *repository.PaymentRepository
	orders   *stubOrderService
	sandbox  *SandboxGateway
	recorder *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d := testutil.OpenTestDB(t, db.SchemaPayments)
	sandbox, err := NewSandboxGateway(SandboxConfig{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	f := &fixture{
		repo:     repository.NewPaymentRepository(d),
		sandbox:  sandbox,
		recorder: &events.Recorder{},
		orders: &stubOrderService{orders: map[string]*models.Order{
			"o1": {
				ID: "o1", OrderNumber: "ORD2403090001", UserID: "u1", RestaurantID: "r1",
				Status:  models.OrderStatusPlaced,
				Amount:  models.Amount{Subtotal: 25000, DeliveryFee: 10000, Total: 35000, Currency: "VND"},
				Payment: models.OrderPayment{Status: models.OrderPaymentUnpaid},
			},
			"o2": {
				ID: "o2", OrderNumber: "ORD2403090002", UserID: "u1", RestaurantID: "r1",
				Status: models.OrderStatusCooking,
				Amount: models.Amount{Total: 12000, Currency: "VND"},
			},
		}},
	}
	now := time.Date(2024, 3, 9, 8, 0, 0, 0, time.UTC)
	svc, err := NewService(Deps{
		Payments: f.repo,
		Orders:   f.orders,
		Gateways: []Gateway{sandbox, brokenGateway{}},
		Events:   f.recorder,
		Clock:    func() time.Time { return now },
		TTL:      15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) callback(t *testing.T, p *models.Payment, amount int64, resultCode int) (http.Header, []byte) {
	t.Helper()
	body, err := json.Marshal(SandboxCallback{
		OrderID:       p.OrderID,
		RequestID:     p.GatewayRequestID,
		TransactionID: "tx-1",
		Amount:        amount,
		Currency:      "VND",
		ResultCode:    resultCode,
	})
	if err != nil {
		t.Fatalf("marshal callback: %v", err)
	}
	return f.sandbox.SignHeaders(body), body
}

func (f *fixture) paid(t *testing.T) *models.Payment {
	t.Helper()
	ctx := context.Background()
	p, err := f.svc.CreatePayment(ctx, "o1", "sandbox", customer)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h, body := f.callback(t, p, 35000, 0)
	if _, err := f.svc.ProcessCallback(ctx, "sandbox", h, body); err != nil {
		t.Fatalf("callback: %v", err)
	}
	p, err = f.repo.GetByID(ctx, p.ID)
	if err != nil || p == nil {
		t.Fatalf("reload: %v", err)
	}
	return p
}

func TestCreatePaymentIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.svc.CreatePayment(ctx, "o1", "sandbox", customer)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Status != models.PaymentStatusProcessing || first.GatewayRequestID == "" {
		t.Fatalf("unexpected payment: %+v", first)
	}
	if first.Amount.Total != 35000 || first.OrderNumber != "ORD2403090001" {
		t.Fatalf("amount/number not copied: %+v", first)
	}
	second, err := f.svc.CreatePayment(ctx, "o1", "SANDBOX", customer)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second.ID != first.ID || second.GatewayRequestID != first.GatewayRequestID {
		t.Fatalf("second create returned a new payment: %s vs %s", second.ID, first.ID)
	}
}

func TestCreatePaymentConcurrent(t *testing.T) {
	f := newFixture(t)
	const n = 8
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := f.svc.CreatePayment(context.Background(), "o1", "sandbox", customer)
			errs[i] = err
			if p != nil {
				ids[i] = p.ID
			}
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("create %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("payments differ: %s vs %s", ids[i], ids[0])
		}
	}
}

func TestCreatePaymentRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []struct {
		name    string
		orderID string
		method  string
		req     models.Requester
		want    apperr.Code
	}{
		{"unknown method", "o1", "cash", customer, apperr.CodeValidation},
		{"missing order", "nope", "sandbox", customer, apperr.CodeNotFound},
		{"not owner", "o1", "sandbox", stranger, apperr.CodeForbidden},
		{"not payable", "o2", "sandbox", customer, apperr.CodeInvalidState},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreatePayment(ctx, tc.orderID, tc.method, tc.req)
			if apperr.CodeOf(err) != tc.want {
				t.Fatalf("got %v, want %s", err, tc.want)
			}
		})
	}
}

func TestCreatePaymentGatewayFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreatePayment(ctx, "o1", "broken", customer)
	if apperr.CodeOf(err) != apperr.CodeUpstreamUnavailable {
		t.Fatalf("want upstream_unavailable, got %v", err)
	}
	ae, _ := apperr.As(err)
	id, _ := ae.Details["payment_id"].(string)
	stored, err := f.repo.GetByID(ctx, id)
	if err != nil || stored == nil {
		t.Fatalf("failed payment not stored: %v", err)
	}
	if stored.Status != models.PaymentStatusFailed {
		t.Fatalf("status %s, want FAILED", stored.Status)
	}
	again, err := f.svc.CreatePayment(ctx, "o1", "sandbox", customer)
	if err != nil {
		t.Fatalf("create after failure: %v", err)
	}
	if again.ID != id {
		t.Fatalf("expected existing payment %s, got %s", id, again.ID)
	}
}

func TestProcessCallbackDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.svc.CreatePayment(ctx, "o1", "sandbox", customer)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h, body := f.callback(t, p, 35000, 0)
	ack, err := f.svc.ProcessCallback(ctx, "sandbox", h, body)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if ack.Status != models.PaymentStatusCompleted || ack.Duplicate {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	afterFirst, _ := f.repo.GetByID(ctx, p.ID)

	ack, err = f.svc.ProcessCallback(ctx, "sandbox", h, body)
	if err != nil {
		t.Fatalf("duplicate callback: %v", err)
	}
	if !ack.Duplicate || ack.Status != models.PaymentStatusCompleted {
		t.Fatalf("duplicate not detected: %+v", ack)
	}
	afterSecond, _ := f.repo.GetByID(ctx, p.ID)
	if afterSecond.Version != afterFirst.Version || len(afterSecond.Timeline) != len(afterFirst.Timeline) {
		t.Fatalf("duplicate callback mutated payment: v%d -> v%d", afterFirst.Version, afterSecond.Version)
	}
	if afterSecond.GatewayTransactionID != "tx-1" || afterSecond.CompletedAt == nil {
		t.Fatalf("completion not recorded: %+v", afterSecond)
	}
	if f.orders.appliedCount() != 2 {
		t.Fatalf("order sync should be re-issued, got %d calls", f.orders.appliedCount())
	}
	if got := f.orders.applied[0].Status; got != models.OrderPaymentPaid {
		t.Fatalf("order payment status %s, want PAID", got)
	}
}

func TestProcessCallbackRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, _ := f.svc.CreatePayment(ctx, "o1", "sandbox", customer)
	h, body := f.callback(t, p, 35000, 0)
	h.Set(SandboxSignatureHeader, "00ff")
	if _, err := f.svc.ProcessCallback(ctx, "sandbox", h, body); apperr.CodeOf(err) != apperr.CodeGatewayVerificationFailed {
		t.Fatalf("want gateway_verification_failed, got %v", err)
	}
	if _, err := f.svc.ProcessCallback(ctx, "paypal", h, body); apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Fatalf("unknown gateway: got %v", err)
	}
}

func TestProcessCallbackAmountMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, _ := f.svc.CreatePayment(ctx, "o1", "sandbox", customer)
	h, body := f.callback(t, p, 1, 0)
	if _, err := f.svc.ProcessCallback(ctx, "sandbox", h, body); apperr.CodeOf(err) != apperr.CodeGatewayVerificationFailed {
		t.Fatalf("want gateway_verification_failed, got %v", err)
	}
	stored, _ := f.repo.GetByID(ctx, p.ID)
	if stored.Status != models.PaymentStatusProcessing {
		t.Fatalf("status %s, want PROCESSING", stored.Status)
	}
	if f.orders.appliedCount() != 0 {
		t.Fatalf("order must not be touched")
	}
}

func TestProcessCallbackLateSuccessAfterFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, _ := f.svc.CreatePayment(ctx, "o1", "sandbox", customer)
	h, body := f.callback(t, p, 35000, 1006)
	ack, err := f.svc.ProcessCallback(ctx, "sandbox", h, body)
	if err != nil {
		t.Fatalf("failure callback: %v", err)
	}
	if ack.Status != models.PaymentStatusFailed {
		t.Fatalf("status %s, want FAILED", ack.Status)
	}

	h, body = f.callback(t, p, 35000, 0)
	ack, err = f.svc.ProcessCallback(ctx, "sandbox", h, body)
	if err != nil {
		t.Fatalf("late success should be acknowledged: %v", err)
	}
	if ack.Status != models.PaymentStatusFailed {
		t.Fatalf("late success applied: %+v", ack)
	}
	recon := f.recorder.Reconciliations()
	if len(recon) != 1 || recon[0].Kind != events.KindLatePaymentSuccess || recon[0].PaymentID != p.ID {
		t.Fatalf("unexpected reconciliation events: %+v", recon)
	}
}

func TestProcessCallbackOrderSyncFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, _ := f.svc.CreatePayment(ctx, "o1", "sandbox", customer)
	f.orders.applyErr = apperr.New(apperr.CodeUpstreamUnavailable, "order service down")

	h, body := f.callback(t, p, 35000, 0)
	_, err := f.svc.ProcessCallback(ctx, "sandbox", h, body)
	if apperr.CodeOf(err) != apperr.CodePartialFailure {
		t.Fatalf("want partial_failure, got %v", err)
	}
	ae, _ := apperr.As(err)
	if ae.Details["order_id"] != "o1" || ae.Details["payment_id"] != p.ID {
		t.Fatalf("missing correlation details: %+v", ae.Details)
	}
	stored, _ := f.repo.GetByID(ctx, p.ID)
	if stored.Status != models.PaymentStatusCompleted {
		t.Fatalf("payment should stay COMPLETED, got %s", stored.Status)
	}
	if recon := f.recorder.Reconciliations(); len(recon) != 1 || recon[0].Kind != events.KindOrderPaymentSync {
		t.Fatalf("unexpected reconciliation events: %+v", recon)
	}

	// The gateway retries the webhook once the order service is back.
	f.orders.applyErr = nil
	ack, err := f.svc.ProcessCallback(ctx, "sandbox", h, body)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !ack.Duplicate {
		t.Fatalf("redelivery should be a duplicate: %+v", ack)
	}
	if o, _ := f.orders.Get(ctx, "o1"); o.Payment.Status != models.OrderPaymentPaid {
		t.Fatalf("order not healed: %s", o.Payment.Status)
	}
}

func TestProcessRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, _ := f.svc.CreatePayment(ctx, "o1", "sandbox", customer)
	if _, err := f.svc.ProcessRefund(ctx, pending.ID, 0, "", customer); apperr.CodeOf(err) != apperr.CodeInvalidState {
		t.Fatalf("refund of unpaid payment: got %v", err)
	}

	p := f.paid(t)
	if _, err := f.svc.ProcessRefund(ctx, p.ID, 40000, "", customer); apperr.CodeOf(err) != apperr.CodeInvalidAmount {
		t.Fatalf("over refund: got %v", err)
	}
	if _, err := f.svc.ProcessRefund(ctx, p.ID, -5, "", customer); apperr.CodeOf(err) != apperr.CodeInvalidAmount {
		t.Fatalf("negative refund: got %v", err)
	}
	if _, err := f.svc.ProcessRefund(ctx, p.ID, 0, "", stranger); apperr.CodeOf(err) != apperr.CodeForbidden {
		t.Fatalf("stranger refund: got %v", err)
	}

	syncsBefore := f.orders.appliedCount()
	refunded, err := f.svc.ProcessRefund(ctx, p.ID, 0, "changed my mind", customer)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != models.PaymentStatusRefunded || refunded.Refund == nil || refunded.Refund.Amount != 35000 {
		t.Fatalf("unexpected refund result: %+v", refunded)
	}
	if refunded.Refund.GatewayRefundID == "" {
		t.Fatalf("gateway refund id not recorded")
	}
	if f.orders.appliedCount() != syncsBefore+1 {
		t.Fatalf("order should learn about customer-initiated refunds")
	}

	again, err := f.svc.ProcessRefund(ctx, p.ID, 35000, "", customer)
	if err != nil {
		t.Fatalf("repeat refund: %v", err)
	}
	if again.Version != refunded.Version {
		t.Fatalf("repeat refund mutated payment")
	}
}

func TestProcessRefundByServiceSkipsOrderSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.paid(t)
	syncs := f.orders.appliedCount()
	if _, err := f.svc.ProcessRefund(ctx, p.ID, 35000, "order cancelled", service); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if f.orders.appliedCount() != syncs {
		t.Fatalf("service refunds are recorded by the caller")
	}
}

func TestGetPaymentVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, _ := f.svc.CreatePayment(ctx, "o1", "sandbox", customer)
	for _, req := range []models.Requester{customer, admin, service} {
		if _, err := f.svc.GetPayment(ctx, p.ID, req); err != nil {
			t.Fatalf("%s: %v", req.Role, err)
		}
	}
	if _, err := f.svc.GetPayment(ctx, p.ID, stranger); apperr.CodeOf(err) != apperr.CodeForbidden {
		t.Fatalf("stranger: got %v", err)
	}
	if _, err := f.svc.GetPayment(ctx, "missing", admin); apperr.CodeOf(err) != apperr.CodeNotFound {
		t.Fatalf("missing: got %v", err)
	}
}
