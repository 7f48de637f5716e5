package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"droneFoodDelivery/internal/auth"
	"droneFoodDelivery/internal/httpx"
	"droneFoodDelivery/internal/orders"
	"droneFoodDelivery/models"
)

// OrderService is implemented by *orders.Service.
type OrderService interface {
	PlaceOrder(ctx context.Context, cmd orders.PlaceOrderCommand, req models.Requester) (*models.Order, error)
	GetOrder(ctx context.Context, id string, req models.Requester) (*models.Order, error)
	GetOrderByNumber(ctx context.Context, number string, req models.Requester) (*models.Order, error)
	ListOrders(ctx context.Context, req models.Requester, pageSize int, after string) ([]models.Order, string, error)
	UpdateStatus(ctx context.Context, id string, to models.OrderStatus, note string, req models.Requester) (*models.Order, error)
	CancelOrder(ctx context.Context, id, reason string, req models.Requester) (*models.Order, error)
	RateOrder(ctx context.Context, id string, score int, comment string, req models.Requester) (*models.Order, error)
	ApplyPaymentUpdate(ctx context.Context, id string, u orders.PaymentUpdate, req models.Requester) (*models.Order, error)
	Dispatch(ctx context.Context, id string, cmd orders.DispatchCommand, req models.Requester) (*models.Order, error)
	ApplyDeliveryOutcome(ctx context.Context, id string, to models.OrderStatus, note string, req models.Requester) (*models.Order, error)
}

type updateStatusRequest struct {
	Status models.OrderStatus `json:"status"`
	Note   string             `json:"note"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type rateOrderRequest struct {
	Score   int    `json:"score"`
	Comment string `json:"comment"`
}

type deliveryOutcomeRequest struct {
	Status models.OrderStatus `json:"status"`
	Note   string             `json:"note"`
}

// OrderHandlers serves the order service.
type OrderHandlers struct {
	secret string
	orders OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(secret string, svc OrderService) *OrderHandlers {
	return &OrderHandlers{secret: secret, orders: svc}
}

// Routes registers the public /orders endpoints and the internal endpoints used by the
// payment and drone services.
func (h *OrderHandlers) Routes(r chi.Router) {
	r.Use(auth.Middleware(h.secret))
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.placeOrder)
		r.Get("/", h.listOrders)
		r.Get("/number/{orderNumber}", h.getOrderByNumber)
		r.Get("/{orderID}", h.getOrder)
		r.Patch("/{orderID}/status", h.updateStatus)
		r.Patch("/{orderID}/cancel", h.cancelOrder)
		r.Post("/{orderID}/rating", h.rateOrder)
	})
	r.Route("/internal/orders", func(r chi.Router) {
		r.Use(auth.RequireRoles(models.RoleService, models.RoleAdmin))
		r.Get("/{orderID}", h.getOrder)
		r.Post("/{orderID}/payment", h.applyPayment)
		r.Post("/{orderID}/dispatch", h.dispatch)
		r.Post("/{orderID}/delivery", h.deliveryOutcome)
	})
}

func (h *OrderHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := requester(r)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	var cmd orders.PlaceOrderCommand
	if err := httpx.DecodeJSON(r, &cmd, false); err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	o, err := h.orders.PlaceOrder(ctx, cmd, req)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, o)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := requester(r)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	size, after, err := pageParams(r)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	list, next, err := h.orders.ListOrders(ctx, req, size, after)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newPage(list, next))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context, id string, req models.Requester) (*models.Order, error) {
		return h.orders.GetOrder(ctx, id, req)
	})
}

func (h *OrderHandlers) getOrderByNumber(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := requester(r)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	o, err := h.orders.GetOrderByNumber(ctx, chi.URLParam(r, "orderNumber"), req)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}

func (h *OrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	var body updateStatusRequest
	if err := httpx.DecodeJSON(r, &body, false); err != nil {
		httpx.WriteAppError(r.Context(), w, err)
		return
	}
	to := models.OrderStatus(strings.ToUpper(strings.TrimSpace(string(body.Status))))
	h.respond(w, r, func(ctx context.Context, id string, req models.Requester) (*models.Order, error) {
		return h.orders.UpdateStatus(ctx, id, to, body.Note, req)
	})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var body cancelOrderRequest
	if err := httpx.DecodeJSON(r, &body, true); err != nil {
		httpx.WriteAppError(r.Context(), w, err)
		return
	}
	h.respond(w, r, func(ctx context.Context, id string, req models.Requester) (*models.Order, error) {
		return h.orders.CancelOrder(ctx, id, body.Reason, req)
	})
}

func (h *OrderHandlers) rateOrder(w http.ResponseWriter, r *http.Request) {
	var body rateOrderRequest
	if err := httpx.DecodeJSON(r, &body, false); err != nil {
		httpx.WriteAppError(r.Context(), w, err)
		return
	}
	h.respond(w, r, func(ctx context.Context, id string, req models.Requester) (*models.Order, error) {
		return h.orders.RateOrder(ctx, id, body.Score, body.Comment, req)
	})
}

func (h *OrderHandlers) applyPayment(w http.ResponseWriter, r *http.Request) {
	var body orders.PaymentUpdate
	if err := httpx.DecodeJSON(r, &body, false); err != nil {
		httpx.WriteAppError(r.Context(), w, err)
		return
	}
	h.respond(w, r, func(ctx context.Context, id string, req models.Requester) (*models.Order, error) {
		return h.orders.ApplyPaymentUpdate(ctx, id, body, req)
	})
}

func (h *OrderHandlers) dispatch(w http.ResponseWriter, r *http.Request) {
	var body orders.DispatchCommand
	if err := httpx.DecodeJSON(r, &body, false); err != nil {
		httpx.WriteAppError(r.Context(), w, err)
		return
	}
	h.respond(w, r, func(ctx context.Context, id string, req models.Requester) (*models.Order, error) {
		return h.orders.Dispatch(ctx, id, body, req)
	})
}

func (h *OrderHandlers) deliveryOutcome(w http.ResponseWriter, r *http.Request) {
	var body deliveryOutcomeRequest
	if err := httpx.DecodeJSON(r, &body, false); err != nil {
		httpx.WriteAppError(r.Context(), w, err)
		return
	}
	h.respond(w, r, func(ctx context.Context, id string, req models.Requester) (*models.Order, error) {
		return h.orders.ApplyDeliveryOutcome(ctx, id, body.Status, body.Note, req)
	})
}

// respond runs fn for the {orderID} of the request and writes the order it returns.
func (h *OrderHandlers) respond(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, models.Requester) (*models.Order, error)) {
	ctx := r.Context()
	req, err := requester(r)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	o, err := fn(ctx, chi.URLParam(r, "orderID"), req)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}
