package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	"droneFoodDelivery/internal/apperr"
)

// StripeSignatureHeader is the header Stripe signs webhooks with.
const StripeSignatureHeader = "Stripe-Signature"

type stripeIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// StripeConfig configures the Stripe gateway. Intents and Refunds replace the API clients in
// tests.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Backends      *stripe.Backends
	Intents       stripeIntentAPI
	Refunds       stripeRefundAPI
}

// StripeGateway collects payments with PaymentIntents and learns their outcome from webhooks.
type StripeGateway struct {
	intents       stripeIntentAPI
	refunds       stripeRefundAPI
	webhookSecret string
}

// NewStripeGateway builds the gateway from an API key, or from injected clients.
func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}
	intents, refunds := cfg.Intents, cfg.Refunds
	if intents == nil || refunds == nil {
		key := strings.TrimSpace(cfg.SecretKey)
		if key == "" {
			return nil, errors.New("stripe: secret key is required")
		}
		sc := client.New(key, cfg.Backends)
		intents, refunds = sc.PaymentIntents, sc.Refunds
	}
	return &StripeGateway{intents: intents, refunds: refunds, webhookSecret: cfg.WebhookSecret}, nil
}

func (g *StripeGateway) Name() string { return "stripe" }

// CreatePayment creates a PaymentIntent tagged with the order and payment ids.
func (g *StripeGateway) CreatePayment(ctx context.Context, req CreateRequest) (CreateResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		Description: stripe.String("Order " + req.OrderNumber),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("order_number", req.OrderNumber)
	params.AddMetadata("payment_id", req.PaymentID)

	intent, err := g.intents.New(params)
	if err != nil {
		return CreateResult{}, apperr.Wrap(apperr.CodeUpstreamUnavailable, err, "stripe: create payment intent")
	}
	return CreateResult{RequestID: intent.ID}, nil
}

// Refund refunds part or all of a PaymentIntent.
func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.RequestID),
		Amount:        stripe.Int64(req.Amount),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.AddMetadata("payment_id", req.PaymentID)
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	r, err := g.refunds.New(params)
	if err != nil {
		return RefundResult{}, apperr.Wrap(apperr.CodeUpstreamUnavailable, err, "stripe: create refund")
	}
	return RefundResult{RefundID: r.ID}, nil
}

// VerifyCallback checks the Stripe-Signature header and maps payment_intent events to a
// callback. Other event types are acknowledged and ignored.
func (g *StripeGateway) VerifyCallback(header http.Header, body []byte) (Callback, error) {
	sig := header.Get(StripeSignatureHeader)
	event, err := webhook.ConstructEventWithOptions(body, sig, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Callback{}, apperr.Wrap(apperr.CodeGatewayVerificationFailed, err, "invalid stripe signature")
	}

	var success bool
	switch string(event.Type) {
	case "payment_intent.succeeded":
		success = true
	case "payment_intent.payment_failed", "payment_intent.canceled":
	default:
		return Callback{Ignored: true}, nil
	}
	if event.Data == nil {
		return Callback{}, apperr.Validation("stripe event has no data")
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return Callback{}, apperr.Validation("malformed payment intent in stripe event")
	}
	txID := intent.ID
	if intent.LatestCharge != nil && intent.LatestCharge.ID != "" {
		txID = intent.LatestCharge.ID
	}
	msg := string(event.Type)
	if intent.LastPaymentError != nil && intent.LastPaymentError.Msg != "" {
		msg = intent.LastPaymentError.Msg
	}
	return Callback{
		OrderID:       intent.Metadata["order_id"],
		RequestID:     intent.ID,
		TransactionID: txID,
		Amount:        intent.Amount,
		Currency:      strings.ToUpper(string(intent.Currency)),
		Success:       success,
		Message:       msg,
		Signature:     sig,
	}, nil
}

var _ Gateway = (*StripeGateway)(nil)
