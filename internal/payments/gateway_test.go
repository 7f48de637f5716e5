package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"droneFoodDelivery/internal/apperr"
)

func TestSandboxVerifyCallback(t *testing.T) {
	g, err := NewSandboxGateway(SandboxConfig{Secret: "s3cret"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	body := []byte(`{"orderId":"o1","requestId":"r1","transactionId":"t1","amount":35000,"resultCode":0}`)
	h := g.SignHeaders(body)
	cb, err := g.VerifyCallback(h, body)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !cb.Success || cb.OrderID != "o1" || cb.Amount != 35000 || cb.TransactionID != "t1" {
		t.Fatalf("unexpected callback: %+v", cb)
	}

	tampered := []byte(`{"orderId":"o1","requestId":"r1","transactionId":"t1","amount":1,"resultCode":0}`)
	if _, err := g.VerifyCallback(h, tampered); apperr.CodeOf(err) != apperr.CodeGatewayVerificationFailed {
		t.Fatalf("tampered body: got %v", err)
	}
	if _, err := g.VerifyCallback(http.Header{}, body); apperr.CodeOf(err) != apperr.CodeGatewayVerificationFailed {
		t.Fatalf("missing header: got %v", err)
	}

	other, _ := NewSandboxGateway(SandboxConfig{Secret: "other"})
	if _, err := g.VerifyCallback(other.SignHeaders(body), body); apperr.CodeOf(err) != apperr.CodeGatewayVerificationFailed {
		t.Fatalf("foreign key: got %v", err)
	}
}

func TestSandboxVerifyCallbackReplayWindow(t *testing.T) {
	now := time.Date(2024, 3, 9, 8, 0, 0, 0, time.UTC)
	g, err := NewSandboxGateway(SandboxConfig{
		Secret:    "s3cret",
		Tolerance: 5 * time.Minute,
		Clock:     func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	body := []byte(`{"orderId":"o1","requestId":"r1","transactionId":"t1","amount":35000,"resultCode":0}`)
	h := g.SignHeaders(body)

	now = now.Add(4 * time.Minute)
	if _, err := g.VerifyCallback(h, body); err != nil {
		t.Fatalf("inside window: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := g.VerifyCallback(h, body); apperr.CodeOf(err) != apperr.CodeGatewayVerificationFailed {
		t.Fatalf("replayed after window: got %v", err)
	}

	// Moving the timestamp forward without re-signing breaks the signature.
	fresh := h.Clone()
	fresh.Set(SandboxTimestampHeader, strconv.FormatInt(now.Unix(), 10))
	if _, err := g.VerifyCallback(fresh, body); apperr.CodeOf(err) != apperr.CodeGatewayVerificationFailed {
		t.Fatalf("restamped without signing: got %v", err)
	}

	noStamp := http.Header{}
	noStamp.Set(SandboxSignatureHeader, h.Get(SandboxSignatureHeader))
	if _, err := g.VerifyCallback(noStamp, body); apperr.CodeOf(err) != apperr.CodeGatewayVerificationFailed {
		t.Fatalf("missing timestamp: got %v", err)
	}
}

func TestSandboxCreatePaymentRemote(t *testing.T) {
	var gotKey, gotSig, gotTS string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/payments" {
			http.NotFound(w, r)
			return
		}
		gotKey = r.Header.Get("Idempotency-Key")
		gotSig = r.Header.Get(SandboxSignatureHeader)
		gotTS = r.Header.Get(SandboxTimestampHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"paymentUrl":"https://sandbox.test/pay/1"}`)
	}))
	defer srv.Close()

	g, err := NewSandboxGateway(SandboxConfig{BaseURL: srv.URL, Secret: "s3cret"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := g.CreatePayment(context.Background(), CreateRequest{
		PaymentID: "p1", OrderID: "o1", OrderNumber: "ORD2403090001", Amount: 35000, Currency: "VND",
		ExpiresAt: time.Now().Add(time.Minute), IdempotencyKey: "payment-p1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.PaymentURL != "https://sandbox.test/pay/1" || res.RequestID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if gotKey != "payment-p1" {
		t.Fatalf("idempotency key %q", gotKey)
	}
	if gotTS == "" || gotSig != g.Sign(gotTS, gotBody) || res.Signature != gotSig {
		t.Fatalf("request not signed")
	}
	var sent sandboxCreateBody
	if err := json.Unmarshal(gotBody, &sent); err != nil || sent.RequestID != res.RequestID || sent.Amount != 35000 {
		t.Fatalf("unexpected body %s (%v)", gotBody, err)
	}
}

func TestSandboxRemoteFailureIsUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	g, _ := NewSandboxGateway(SandboxConfig{BaseURL: srv.URL, Secret: "s3cret"})
	_, err := g.Refund(context.Background(), RefundRequest{RequestID: "r1", Amount: 100})
	if apperr.CodeOf(err) != apperr.CodeUpstreamUnavailable {
		t.Fatalf("want upstream_unavailable, got %v", err)
	}
}

type fakeIntents struct {
	params *stripe.PaymentIntentParams
}

func (f *fakeIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.params = params
	return &stripe.PaymentIntent{ID: "pi_123", Amount: *params.Amount}, nil
}

type fakeRefunds struct {
	params *stripe.RefundParams
}

func (f *fakeRefunds) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	f.params = params
	return &stripe.Refund{ID: "re_123"}, nil
}

func newStripe(t *testing.T) (*StripeGateway, *fakeIntents, *fakeRefunds) {
	t.Helper()
	intents, refunds := &fakeIntents{}, &fakeRefunds{}
	g, err := NewStripeGateway(StripeConfig{WebhookSecret: "whsec_test", Intents: intents, Refunds: refunds})
	if err != nil {
		t.Fatalf("new stripe: %v", err)
	}
	return g, intents, refunds
}

func TestStripeCreateAndRefund(t *testing.T) {
	g, intents, refunds := newStripe(t)
	res, err := g.CreatePayment(context.Background(), CreateRequest{
		PaymentID: "p1", OrderID: "o1", OrderNumber: "ORD2403090001", Amount: 35000, Currency: "USD",
		IdempotencyKey: "payment-p1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.RequestID != "pi_123" {
		t.Fatalf("request id %q", res.RequestID)
	}
	if *intents.params.Currency != "usd" || intents.params.Metadata["order_id"] != "o1" || intents.params.Metadata["payment_id"] != "p1" {
		t.Fatalf("unexpected params: %+v", intents.params)
	}
	if intents.params.IdempotencyKey == nil || *intents.params.IdempotencyKey != "payment-p1" {
		t.Fatalf("idempotency key not set")
	}

	r, err := g.Refund(context.Background(), RefundRequest{PaymentID: "p1", RequestID: "pi_123", Amount: 1000})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if r.RefundID != "re_123" || *refunds.params.PaymentIntent != "pi_123" || *refunds.params.Amount != 1000 {
		t.Fatalf("unexpected refund: %+v %+v", r, refunds.params)
	}
}

func signedStripeEvent(t *testing.T, secret, eventType string, intent map[string]any) (http.Header, []byte) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          "evt_1",
		"object":      "event",
		"type":        eventType,
		"api_version": "2020-08-27",
		"data":        map[string]any{"object": intent},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: secret})
	h := http.Header{}
	h.Set(StripeSignatureHeader, signed.Header)
	return h, signed.Payload
}

func TestStripeVerifyCallback(t *testing.T) {
	g, _, _ := newStripe(t)
	intent := map[string]any{
		"id":            "pi_123",
		"object":        "payment_intent",
		"amount":        35000,
		"currency":      "vnd",
		"latest_charge": "ch_1",
		"metadata":      map[string]string{"order_id": "o1", "payment_id": "p1"},
	}

	h, body := signedStripeEvent(t, "whsec_test", "payment_intent.succeeded", intent)
	cb, err := g.VerifyCallback(h, body)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !cb.Success || cb.OrderID != "o1" || cb.RequestID != "pi_123" || cb.TransactionID != "ch_1" || cb.Amount != 35000 {
		t.Fatalf("unexpected callback: %+v", cb)
	}

	h, body = signedStripeEvent(t, "whsec_test", "payment_intent.payment_failed", intent)
	if cb, err = g.VerifyCallback(h, body); err != nil || cb.Success {
		t.Fatalf("failed intent: %+v %v", cb, err)
	}

	h, body = signedStripeEvent(t, "whsec_test", "customer.created", map[string]any{"id": "cus_1"})
	if cb, err = g.VerifyCallback(h, body); err != nil || !cb.Ignored {
		t.Fatalf("unrelated event should be ignored: %+v %v", cb, err)
	}

	h, body = signedStripeEvent(t, "whsec_other", "payment_intent.succeeded", intent)
	if _, err := g.VerifyCallback(h, body); apperr.CodeOf(err) != apperr.CodeGatewayVerificationFailed {
		t.Fatalf("bad signature: got %v", err)
	}
}
