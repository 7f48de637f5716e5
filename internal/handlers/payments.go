package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"droneFoodDelivery/internal/auth"
	"droneFoodDelivery/internal/httpx"
	"droneFoodDelivery/internal/payments"
	"droneFoodDelivery/models"
)

const maxCallbackBodySize = 256 * 1024

// PaymentService is implemented by *payments.Service.
type PaymentService interface {
	CreatePayment(ctx context.Context, orderID, method string, req models.Requester) (*models.Payment, error)
	ProcessCallback(ctx context.Context, gateway string, header http.Header, body []byte) (*payments.CallbackAck, error)
	ProcessRefund(ctx context.Context, paymentID string, amount int64, reason string, req models.Requester) (*models.Payment, error)
	GetPayment(ctx context.Context, id string, req models.Requester) (*models.Payment, error)
}

type createPaymentRequest struct {
	OrderID string `json:"orderId"`
	Method  string `json:"method"`
}

type refundRequest struct {
	PaymentID string `json:"paymentId"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
}

// PaymentHandlers serves the payment service.
type PaymentHandlers struct {
	secret   string
	payments PaymentService
}

// NewPaymentHandlers constructs a new PaymentHandlers instance.
func NewPaymentHandlers(secret string, svc PaymentService) *PaymentHandlers {
	return &PaymentHandlers{secret: secret, payments: svc}
}

// Routes registers /payments. Gateway notifications are authenticated by their signature,
// everything else by bearer token.
func (h *PaymentHandlers) Routes(r chi.Router) {
	r.Route("/payments", func(r chi.Router) {
		r.Post("/{gateway}/notify", h.notify)
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(h.secret))
			r.Post("/create", h.createPayment)
			r.Post("/refund", h.refund)
			r.Get("/{paymentID}", h.getPayment)
		})
	})
}

func (h *PaymentHandlers) createPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := requester(r)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	var body createPaymentRequest
	if err := httpx.DecodeJSON(r, &body, false); err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	p, err := h.payments.CreatePayment(ctx, body.OrderID, body.Method, req)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (h *PaymentHandlers) notify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := httpx.ReadBody(r, maxCallbackBodySize)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	ack, err := h.payments.ProcessCallback(ctx, chi.URLParam(r, "gateway"), r.Header, body)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ack)
}

func (h *PaymentHandlers) refund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := requester(r)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	var body refundRequest
	if err := httpx.DecodeJSON(r, &body, false); err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	p, err := h.payments.ProcessRefund(ctx, body.PaymentID, body.Amount, body.Reason, req)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (h *PaymentHandlers) getPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := requester(r)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	p, err := h.payments.GetPayment(ctx, chi.URLParam(r, "paymentID"), req)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}
