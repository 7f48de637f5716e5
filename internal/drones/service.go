// Package drones implements the Drone Assignment Orchestrator and mission progress reporting
// of the drone service.
package drones

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
	"droneFoodDelivery/internal/geo"
	"droneFoodDelivery/internal/orders"
	"droneFoodDelivery/internal/requestctx"
	"droneFoodDelivery/internal/saga"
	"droneFoodDelivery/models"
	"droneFoodDelivery/repository"
)

// OrderService is the drone service's view of the order service.
type OrderService interface {
	Get(ctx context.Context, id string) (*models.Order, error)
	Dispatch(ctx context.Context, id string, cmd orders.DispatchCommand) (*models.Order, error)
	ApplyDeliveryOutcome(ctx context.Context, id string, status models.OrderStatus, note string) (*models.Order, error)
}

// Deps wires the orchestrator.
type Deps struct {
	Drones      repository.DroneRepositoryI
	Missions    repository.MissionRepositoryI
	Sequence    repository.SequenceRepositoryI
	Orders      OrderService
	Events      events.Publisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      *zap.Logger
	Location    *time.Location
}

// Service assigns drones to orders and tracks missions.
type Service struct {
	drones   repository.DroneRepositoryI
	missions repository.MissionRepositoryI
	orders   OrderService
	numberer orders.Numberer
	events   events.Publisher
	now      func() time.Time
	newID    func() string
	logger   *zap.Logger
}

// NewService validates deps and fills defaults.
func NewService(deps Deps) (*Service, error) {
	if deps.Drones == nil || deps.Missions == nil {
		return nil, errors.New("drone service: drone and mission repositories are required")
	}
	if deps.Sequence == nil {
		return nil, errors.New("drone service: mission sequence is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("drone service: order client is required")
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
	return &Service{
		drones:   deps.Drones,
		missions: deps.Missions,
		orders:   deps.Orders,
		numberer: orders.Numberer{Prefix: "MSN", Sequence: deps.Sequence, Location: deps.Location},
		events:   pub,
		now:      func() time.Time { return clock().UTC() },
		newID:    idGen,
		logger:   logger,
	}, nil
}

// Assignment is the result of a successful drone assignment.
type Assignment struct {
	Order   *models.Order           `json:"order"`
	Drone   *models.Drone           `json:"drone"`
	Mission *models.DeliveryMission `json:"mission"`
}

// AssignDrone binds an idle drone of the order's restaurant to a READY_FOR_PICKUP order and
// dispatches it. The first eligible drone wins; losing a reservation race moves on to the
// next candidate.
//
// The mission is the pivot: once it exists, a failure to dispatch the order is not rolled
// back. It is returned as partial_assignment_failure and published for reconciliation, and
// the drone stays reserved until an operator fails the mission. A failed mission does not
// block a new assignment.
func (s *Service) AssignDrone(ctx context.Context, orderID string, req models.Requester) (*Assignment, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, apperr.Validation("order id is required")
	}
	if !req.IsAdmin() && req.Role != models.RoleRestaurant {
		return nil, apperr.Forbidden("only admins and restaurant staff can assign drones")
	}
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !req.IsAdmin() && !req.StaffOf(order.RestaurantID) {
		return nil, apperr.Forbidden("order %s belongs to another restaurant", orderID)
	}
	if order.MissionID != nil && *order.MissionID != "" {
		return nil, apperr.New(apperr.CodeAlreadyAssigned, "order %s already has mission %s", orderID, *order.MissionID).
			WithDetail("mission_id", *order.MissionID)
	}
	if order.Status != models.OrderStatusReadyForPickup {
		return nil, apperr.New(apperr.CodeInvalidState, "order is %s, want %s", order.Status, models.OrderStatusReadyForPickup).
			WithDetail("status", string(order.Status))
	}
	if existing, err := s.missions.GetByOrderID(ctx, orderID); err != nil {
		return nil, apperr.Internal(err, "load mission for order %s", orderID)
	} else if existing != nil && existing.Status != models.MissionStatusFailed {
		return nil, apperr.New(apperr.CodeAlreadyAssigned, "order %s already has mission %s", orderID, existing.ID).
			WithDetail("mission_id", existing.ID)
	}

	candidates, err := s.candidates(ctx, order)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, apperr.New(apperr.CodeNoDroneAvailable, "no idle drone available for restaurant %s", order.RestaurantID)
	}

	log := s.log(ctx).With(zap.String("order_id", order.ID), zap.String("restaurant_id", order.RestaurantID))
	var (
		drone      *models.Drone
		mission    *models.DeliveryMission
		dispatched *models.Order
	)
	run := saga.Saga{
		Name:   "assign-drone",
		Logger: log,
		Steps: []saga.Step{
			{
				Name: "reserve-drone",
				Do: func(ctx context.Context) error {
					d, err := s.reserve(ctx, candidates)
					drone = d
					return err
				},
				Compensate: func(ctx context.Context) error {
					_, err := s.drones.Release(ctx, drone.ID, s.now())
					return err
				},
			},
			{
				Name: "create-mission",
				Do: func(ctx context.Context) error {
					m, err := s.createMission(ctx, order, drone)
					mission = m
					return err
				},
			},
			{
				Name: "link-order",
				Do: func(ctx context.Context) error {
					o, err := s.orders.Dispatch(ctx, order.ID, orders.DispatchCommand{
						MissionID: mission.ID,
						DroneID:   drone.ID,
						Note:      fmt.Sprintf("dispatched with drone %s on mission %s", drone.SerialNumber, mission.MissionNumber),
					})
					dispatched = o
					return err
				},
			},
		},
	}
	if err := run.Run(ctx); err != nil {
		return nil, s.assignmentError(ctx, log, order, drone, mission, err)
	}
	log.Info("drone assigned", zap.String("drone_id", drone.ID), zap.String("mission_id", mission.ID))
	return &Assignment{Order: dispatched, Drone: drone, Mission: mission}, nil
}

func (s *Service) candidates(ctx context.Context, order *models.Order) ([]models.Drone, error) {
	idle, err := s.drones.ListIdleByRestaurant(ctx, order.RestaurantID)
	if err != nil {
		return nil, apperr.Internal(err, "list idle drones")
	}
	out := idle[:0]
	for _, d := range idle {
		if geo.WithinRoundTrip(d.Location, order.DeliveryAddress.Location, d.MaxRangeKm) {
			out = append(out, d)
		}
	}
	return out, nil
}

// reserve claims the first candidate that is still idle.
func (s *Service) reserve(ctx context.Context, candidates []models.Drone) (*models.Drone, error) {
	for i := range candidates {
		d := candidates[i]
		ok, err := s.drones.Reserve(ctx, d.ID, s.now())
		if err != nil {
			return nil, apperr.Internal(err, "reserve drone %s", d.ID)
		}
		if ok {
			d.Status = models.DroneStatusBusy
			return &d, nil
		}
	}
	return nil, apperr.New(apperr.CodeNoDroneAvailable, "every eligible drone was taken concurrently")
}

func (s *Service) createMission(ctx context.Context, order *models.Order, drone *models.Drone) (*models.DeliveryMission, error) {
	now := s.now()
	number, err := s.numberer.Next(ctx, now)
	if err != nil {
		if _, ok := apperr.As(err); ok {
			return nil, err
		}
		return nil, apperr.Internal(err, "number mission")
	}
	m := &models.DeliveryMission{
		ID:            s.newID(),
		MissionNumber: number,
		OrderID:       order.ID,
		DroneID:       drone.ID,
		RestaurantID:  order.RestaurantID,
		Status:        models.MissionStatusQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.missions.Create(ctx, m); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, apperr.Wrap(apperr.CodeAlreadyAssigned, err, "order %s was assigned concurrently", order.ID)
		}
		return nil, apperr.Internal(err, "create mission")
	}
	if err := s.drones.AttachMission(ctx, drone.ID, m.ID, now); err != nil {
		// The mission row is the source of truth; the drone pointer is informational.
		s.log(ctx).Warn("attach mission to drone", zap.String("drone_id", drone.ID), zap.String("mission_id", m.ID), zap.Error(err))
	} else {
		drone.CurrentMissionID = &m.ID
	}
	return m, nil
}

func (s *Service) assignmentError(ctx context.Context, log *zap.Logger, order *models.Order, drone *models.Drone, mission *models.DeliveryMission, err error) error {
	var pf *saga.PartialFailure
	if !errors.As(err, &pf) {
		if _, ok := apperr.As(err); ok {
			return err
		}
		return apperr.Internal(err, "assign drone to order %s", order.ID)
	}
	e := apperr.Wrap(apperr.CodePartialAssignmentFailure, pf.Err, "assignment of order %s failed at %s after %s committed",
		order.ID, pf.FailedStep, strings.Join(pf.Committed, ", ")).
		WithDetail("order_id", order.ID).
		WithDetail("failed_step", pf.FailedStep)
	recon := events.ReconciliationRequired{
		Kind: events.KindOrphanMission, OrderID: order.ID, Step: pf.FailedStep, Reason: pf.Err.Error(),
	}
	fields := []zap.Field{zap.String("failed_step", pf.FailedStep), zap.Strings("committed", pf.Committed), zap.Error(pf.Err)}
	if drone != nil {
		e = e.WithDetail("drone_id", drone.ID)
		recon.DroneID = drone.ID
		fields = append(fields, zap.String("drone_id", drone.ID))
	}
	if mission != nil {
		e = e.WithDetail("mission_id", mission.ID)
		recon.MissionID = mission.ID
		fields = append(fields, zap.String("mission_id", mission.ID))
	}
	log.Error("drone assignment left partially applied", fields...)
	s.reconcile(ctx, recon)
	return e
}

// missionTransitions is the mission status graph.
var missionTransitions = map[models.MissionStatus][]models.MissionStatus{
	models.MissionStatusQueued:     {models.MissionStatusInProgress, models.MissionStatusFailed},
	models.MissionStatusInProgress: {models.MissionStatusDelivered, models.MissionStatusFailed},
	models.MissionStatusDelivered:  {models.MissionStatusCompleted},
}

func canAdvance(from, to models.MissionStatus) bool {
	for _, next := range missionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ReportProgress advances a mission. DELIVERED is reflected onto the order, and so is FAILED
// when the order was dispatched on this mission. The drone is released when the mission fails
// or completes. Reporting the current status again is a no-op.
func (s *Service) ReportProgress(ctx context.Context, missionID string, to models.MissionStatus, note string, req models.Requester) (*models.DeliveryMission, error) {
	m, err := s.loadMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if !req.IsAdmin() && !req.IsService() && !req.StaffOf(m.RestaurantID) {
		return nil, apperr.Forbidden("not allowed to report progress of mission %s", m.ID)
	}
	switch to {
	case models.MissionStatusQueued, models.MissionStatusInProgress, models.MissionStatusDelivered,
		models.MissionStatusCompleted, models.MissionStatusFailed:
	default:
		return nil, apperr.Validation("unknown mission status %q", to)
	}
	if m.Status == to {
		return m, nil
	}
	if !canAdvance(m.Status, to) {
		return nil, apperr.New(apperr.CodeInvalidTransition, "cannot move mission from %s to %s", m.Status, to).
			WithDetail("from", string(m.Status)).
			WithDetail("to", string(to))
	}
	now := s.now()
	ok, err := s.missions.UpdateStatus(ctx, m.ID, m.Status, to, now)
	if err != nil {
		return nil, apperr.Internal(err, "update mission %s", m.ID)
	}
	if !ok {
		current, err := s.loadMission(ctx, m.ID)
		if err == nil && current.Status == to {
			return current, nil
		}
		return nil, apperr.New(apperr.CodeConflict, "mission %s changed concurrently", m.ID)
	}
	m.Status = to
	m.UpdatedAt = now
	if to == models.MissionStatusDelivered {
		m.DeliveredAt = &now
	}
	log := s.log(ctx).With(zap.String("mission_id", m.ID), zap.String("order_id", m.OrderID), zap.String("drone_id", m.DroneID))
	log.Info("mission progressed", zap.String("status", string(to)))

	var failures []error
	if to == models.MissionStatusFailed || to == models.MissionStatusCompleted {
		if _, err := s.drones.Release(ctx, m.DroneID, now); err != nil {
			log.Error("release drone", zap.Error(err))
			failures = append(failures, fmt.Errorf("release drone: %w", err))
		}
	}
	if outcome, ok := orderOutcome(to); ok {
		if note == "" {
			note = "mission " + m.MissionNumber + " " + strings.ToLower(string(to))
		}
		reflect := true
		if to == models.MissionStatusFailed {
			flying, err := s.orderFlies(ctx, m)
			if err != nil {
				log.Error("load order of failed mission", zap.Error(err))
				failures = append(failures, fmt.Errorf("load order: %w", err))
			}
			reflect = err == nil && flying
			if err == nil && !flying {
				log.Info("mission failed before its order was dispatched, order can be reassigned")
			}
		}
		if reflect {
			if _, err := s.orders.ApplyDeliveryOutcome(ctx, m.OrderID, outcome, note); err != nil {
				log.Error("mission progressed but order update failed", zap.String("outcome", string(outcome)), zap.Error(err))
				failures = append(failures, fmt.Errorf("apply delivery outcome: %w", err))
			}
		}
	}
	if len(failures) > 0 {
		err := errors.Join(failures...)
		s.reconcile(ctx, events.ReconciliationRequired{
			Kind: events.KindDeliveryOutcome, OrderID: m.OrderID, MissionID: m.ID, DroneID: m.DroneID,
			Step: "report-progress", Reason: err.Error(),
		})
		return nil, apperr.Wrap(apperr.CodePartialFailure, err, "mission %s is %s but follow-up failed", m.ID, to).
			WithDetail("mission_id", m.ID).
			WithDetail("order_id", m.OrderID).
			WithDetail("drone_id", m.DroneID)
	}
	return m, nil
}

// orderFlies reports whether the mission's order was dispatched on it. An orphan mission,
// whose dispatch never reached the order, leaves the order in READY_FOR_PICKUP.
func (s *Service) orderFlies(ctx context.Context, m *models.DeliveryMission) (bool, error) {
	o, err := s.orders.Get(ctx, m.OrderID)
	if err != nil {
		return false, err
	}
	return o.MissionID != nil && *o.MissionID == m.ID, nil
}

func orderOutcome(s models.MissionStatus) (models.OrderStatus, bool) {
	switch s {
	case models.MissionStatusDelivered:
		return models.OrderStatusDelivered, true
	case models.MissionStatusFailed:
		return models.OrderStatusFailed, true
	}
	return "", false
}

// RegisterDroneCommand describes a drone added to the registry.
type RegisterDroneCommand struct {
	SerialNumber string           `json:"serialNumber"`
	Name         string           `json:"name"`
	RestaurantID string           `json:"restaurantId"`
	Location     *models.GeoPoint `json:"location,omitempty"`
	MaxPayloadKg float64          `json:"maxPayloadKg"`
	MaxRangeKm   float64          `json:"maxRangeKm"`
}

// RegisterDrone adds an idle drone to the registry.
func (s *Service) RegisterDrone(ctx context.Context, cmd RegisterDroneCommand, req models.Requester) (*models.Drone, error) {
	if !req.IsAdmin() {
		return nil, apperr.Forbidden("only admins can register drones")
	}
	serial := strings.TrimSpace(cmd.SerialNumber)
	restaurantID := strings.TrimSpace(cmd.RestaurantID)
	if serial == "" || restaurantID == "" {
		return nil, apperr.Validation("serialNumber and restaurantId are required")
	}
	if cmd.MaxPayloadKg < 0 || cmd.MaxRangeKm < 0 {
		return nil, apperr.Validation("payload and range must not be negative")
	}
	if loc := cmd.Location; loc != nil && (loc.Lat < -90 || loc.Lat > 90 || loc.Lng < -180 || loc.Lng > 180) {
		return nil, apperr.Validation("location is out of range")
	}
	if existing, err := s.drones.GetBySerial(ctx, serial); err != nil {
		return nil, apperr.Internal(err, "look up drone %s", serial)
	} else if existing != nil {
		return nil, apperr.New(apperr.CodeConflict, "drone with serial %s already registered", serial).
			WithDetail("drone_id", existing.ID).
			WithDetail("restaurant_id", existing.RestaurantID)
	}
	now := s.now()
	d := &models.Drone{
		ID:           s.newID(),
		SerialNumber: serial,
		Name:         strings.TrimSpace(cmd.Name),
		RestaurantID: restaurantID,
		Status:       models.DroneStatusIdle,
		Location:     cmd.Location,
		MaxPayloadKg: cmd.MaxPayloadKg,
		MaxRangeKm:   cmd.MaxRangeKm,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.drones.Create(ctx, d); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, apperr.New(apperr.CodeConflict, "drone with serial %s already registered", serial)
		}
		return nil, apperr.Internal(err, "create drone")
	}
	s.log(ctx).Info("drone registered", zap.String("drone_id", d.ID), zap.String("restaurant_id", restaurantID))
	return d, nil
}

// ListDronesQuery filters the registry listing.
type ListDronesQuery struct {
	Status       string
	RestaurantID string
	Search       string
	PageSize     int
	After        string
}

// ListDrones returns a page of drones and the cursor of the next page. Restaurant staff only
// see their own fleet.
func (s *Service) ListDrones(ctx context.Context, q ListDronesQuery, req models.Requester) ([]models.Drone, string, error) {
	switch {
	case req.IsAdmin():
	case req.Role == models.RoleRestaurant && req.RestaurantID != "":
		q.RestaurantID = req.RestaurantID
	default:
		return nil, "", apperr.Forbidden("not allowed to list drones")
	}
	p := repository.ListDronesAdminParams{PageSize: q.PageSize, AfterID: q.After}
	if q.PageSize <= 0 || q.PageSize > 100 {
		p.PageSize = 20
	}
	if st := strings.ToUpper(strings.TrimSpace(q.Status)); st != "" {
		status := models.DroneStatus(st)
		if status != models.DroneStatusIdle && status != models.DroneStatusBusy {
			return nil, "", apperr.Validation("unknown drone status %q", q.Status)
		}
		p.Status = &status
	}
	if q.RestaurantID != "" {
		p.RestaurantID = &q.RestaurantID
	}
	if q.Search != "" {
		p.NameOrSerialContains = &q.Search
	}
	list, err := s.drones.ListAdmin(ctx, p)
	if err != nil {
		return nil, "", apperr.Internal(err, "list drones")
	}
	var next string
	if len(list) == p.PageSize {
		next = list[len(list)-1].ID
	}
	return list, next, nil
}

// GetMission returns a mission visible to the requester.
func (s *Service) GetMission(ctx context.Context, id string, req models.Requester) (*models.DeliveryMission, error) {
	m, err := s.loadMission(ctx, id)
	if err != nil {
		return nil, err
	}
	if !req.IsAdmin() && !req.IsService() && !req.StaffOf(m.RestaurantID) {
		return nil, apperr.Forbidden("not allowed to view mission %s", m.ID)
	}
	return m, nil
}

func (s *Service) loadMission(ctx context.Context, id string) (*models.DeliveryMission, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperr.Validation("mission id is required")
	}
	m, err := s.missions.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.Internal(err, "load mission %s", id)
	}
	if m == nil {
		return nil, apperr.NotFound("mission %s not found", id)
	}
	return m, nil
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
