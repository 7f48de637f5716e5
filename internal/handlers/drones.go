package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"droneFoodDelivery/internal/auth"
	"droneFoodDelivery/internal/drones"
	"droneFoodDelivery/internal/httpx"
	"droneFoodDelivery/models"
)

// DroneService is implemented by *drones.Service.
type DroneService interface {
	AssignDrone(ctx context.Context, orderID string, req models.Requester) (*drones.Assignment, error)
	ReportProgress(ctx context.Context, missionID string, to models.MissionStatus, note string, req models.Requester) (*models.DeliveryMission, error)
	RegisterDrone(ctx context.Context, cmd drones.RegisterDroneCommand, req models.Requester) (*models.Drone, error)
	ListDrones(ctx context.Context, q drones.ListDronesQuery, req models.Requester) ([]models.Drone, string, error)
	GetMission(ctx context.Context, id string, req models.Requester) (*models.DeliveryMission, error)
}

type progressRequest struct {
	Status models.MissionStatus `json:"status"`
	Note   string               `json:"note"`
}

// DroneHandlers serves the drone service.
type DroneHandlers struct {
	secret string
	drones DroneService
}

// NewDroneHandlers constructs a new DroneHandlers instance.
func NewDroneHandlers(secret string, svc DroneService) *DroneHandlers {
	return &DroneHandlers{secret: secret, drones: svc}
}

// Routes registers the admin and internal drone endpoints.
func (h *DroneHandlers) Routes(r chi.Router) {
	r.Use(auth.Middleware(h.secret))
	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.RequireRoles(models.RoleAdmin, models.RoleRestaurant))
		r.Post("/orders/{orderID}/assign-drone", h.assignDrone)
		r.Get("/drones", h.listDrones)
		r.Post("/drones", h.registerDrone)
		r.Get("/missions/{missionID}", h.getMission)
	})
	r.Route("/internal/missions", func(r chi.Router) {
		r.Use(auth.RequireRoles(models.RoleService, models.RoleAdmin, models.RoleRestaurant))
		r.Post("/{missionID}/progress", h.reportProgress)
	})
}

func (h *DroneHandlers) assignDrone(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := requester(r)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	a, err := h.drones.AssignDrone(ctx, chi.URLParam(r, "orderID"), req)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, a)
}

func (h *DroneHandlers) listDrones(w http.ResponseWriter, r *http.Request) {
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
	q := r.URL.Query()
	list, next, err := h.drones.ListDrones(ctx, drones.ListDronesQuery{
		Status:       strings.TrimSpace(q.Get("status")),
		RestaurantID: strings.TrimSpace(q.Get("restaurant_id")),
		Search:       strings.TrimSpace(q.Get("q")),
		PageSize:     size,
		After:        after,
	}, req)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newPage(list, next))
}

func (h *DroneHandlers) registerDrone(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := requester(r)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	var cmd drones.RegisterDroneCommand
	if err := httpx.DecodeJSON(r, &cmd, false); err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	d, err := h.drones.RegisterDrone(ctx, cmd, req)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, d)
}

func (h *DroneHandlers) getMission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := requester(r)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	m, err := h.drones.GetMission(ctx, chi.URLParam(r, "missionID"), req)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, m)
}

func (h *DroneHandlers) reportProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := requester(r)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	var body progressRequest
	if err := httpx.DecodeJSON(r, &body, false); err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	status := models.MissionStatus(strings.ToUpper(strings.TrimSpace(string(body.Status))))
	m, err := h.drones.ReportProgress(ctx, chi.URLParam(r, "missionID"), status, body.Note, req)
	if err != nil {
		httpx.WriteAppError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, m)
}
