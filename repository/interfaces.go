package repository

import (
	"context"
	"time"

	"droneFoodDelivery/models"
)

// OrderRepositoryI defines operations on Order entities.
type OrderRepositoryI interface {
	Create(ctx context.Context, o *models.Order) error
	GetByID(ctx context.Context, id string) (*models.Order, error)
	GetByOrderNumber(ctx context.Context, number string) (*models.Order, error)
	Update(ctx context.Context, o *models.Order, expectedVersion int64) (bool, error)
	ListByUserPage(ctx context.Context, userID string, pageSize int, afterID string) ([]models.Order, error)
	ListAdmin(ctx context.Context, p ListOrdersAdminParams) ([]models.Order, error)
}

// SequenceRepositoryI hands out per-day sequence numbers.
type SequenceRepositoryI interface {
	Next(ctx context.Context, day string) (int64, error)
}

// PaymentRepositoryI defines operations on Payment entities.
type PaymentRepositoryI interface {
	Create(ctx context.Context, p *models.Payment) error
	GetByID(ctx context.Context, id string) (*models.Payment, error)
	GetByOrderID(ctx context.Context, orderID string) (*models.Payment, error)
	GetByGatewayRequestID(ctx context.Context, method, requestID string) (*models.Payment, error)
	Update(ctx context.Context, p *models.Payment, expectedVersion int64) (bool, error)
}

// DroneRepositoryI defines operations on Drone entities.
type DroneRepositoryI interface {
	Create(ctx context.Context, d *models.Drone) error
	GetByID(ctx context.Context, id string) (*models.Drone, error)
	GetBySerial(ctx context.Context, serial string) (*models.Drone, error)
	ListIdleByRestaurant(ctx context.Context, restaurantID string) ([]models.Drone, error)
	ListAdmin(ctx context.Context, p ListDronesAdminParams) ([]models.Drone, error)
	Reserve(ctx context.Context, id string, now time.Time) (bool, error)
	AttachMission(ctx context.Context, id, missionID string, now time.Time) error
	Release(ctx context.Context, id string, now time.Time) (bool, error)
}

// MissionRepositoryI defines operations on DeliveryMission entities.
type MissionRepositoryI interface {
	Create(ctx context.Context, m *models.DeliveryMission) error
	GetByID(ctx context.Context, id string) (*models.DeliveryMission, error)
	GetByOrderID(ctx context.Context, orderID string) (*models.DeliveryMission, error)
	UpdateStatus(ctx context.Context, id string, from, to models.MissionStatus, now time.Time) (bool, error)
}
