// Package handlers exposes the three services over HTTP with chi.
package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"droneFoodDelivery/internal/apperr"
	"droneFoodDelivery/internal/auth"
	"droneFoodDelivery/internal/httpx"
	"droneFoodDelivery/models"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type routerConfig struct {
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	routes      []RouteRegistrar
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	defaultTimeout    = 60 * time.Second
	defaultPageSize   = 20
	maxPageSize       = 100
	errorNotFoundCode = "route_not_found"
)

// NewRouter constructs the chi router with shared middleware, health endpoints and the
// registered route groups.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers(nil)
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)
	for _, reg := range cfg.routes {
		if reg != nil {
			r.Group(func(g chi.Router) { reg(g) })
		}
	}
	return r
}

// WithMiddlewares appends additional global middleware to the router.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the handlers used for /healthz and /readyz endpoints.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithRoutes adds a route group. Each group gets its own middleware stack.
func WithRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.routes = append(cfg.routes, reg)
	}
}

func requester(r *http.Request) (models.Requester, error) {
	p, err := auth.RequirePrincipal(r.Context())
	if err != nil {
		return models.Requester{}, err
	}
	return p.Requester(), nil
}

func pageParams(r *http.Request) (int, string, error) {
	q := r.URL.Query()
	size := defaultPageSize
	if raw := strings.TrimSpace(q.Get("page_size")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, "", apperr.Validation("page_size must be an integer")
		}
		switch {
		case n <= 0:
		case n > maxPageSize:
			size = maxPageSize
		default:
			size = n
		}
	}
	return size, strings.TrimSpace(q.Get("after")), nil
}

type pageResponse[T any] struct {
	Items []T    `json:"items"`
	Next  string `json:"next,omitempty"`
}

func newPage[T any](items []T, next string) pageResponse[T] {
	if items == nil {
		items = []T{}
	}
	return pageResponse[T]{Items: items, Next: next}
}
