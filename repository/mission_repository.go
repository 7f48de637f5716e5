package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"droneFoodDelivery/models"
)

// MissionRepository stores DeliveryMission records. An order has at most one mission that has
// not failed, and a drone at most one active mission; both are enforced by partial unique
// indexes.
type MissionRepository struct {
	db *sql.DB
}

// NewMissionRepository creates a new MissionRepository.
func NewMissionRepository(db *sql.DB) *MissionRepository {
	return &MissionRepository{db: db}
}

const missionColumns = `id, mission_number, order_id, drone_id, restaurant_id, status, created_at, updated_at, delivered_at`

// Create inserts a mission. A second live mission for the same order, or a second active
// mission for the same drone, fails with a unique violation.
func (r *MissionRepository) Create(ctx context.Context, m *models.DeliveryMission) error {
	if m == nil {
		return errors.New("mission is nil")
	}
	if m.Status == "" {
		m.Status = models.MissionStatusQueued
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `INSERT INTO missions (`+missionColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.MissionNumber, m.OrderID, m.DroneID, m.RestaurantID, string(m.Status),
		m.CreatedAt.UTC(), m.UpdatedAt.UTC(), nullableTime(m.DeliveredAt))
	return err
}

// GetByID fetches a mission; (nil, nil) when absent.
func (r *MissionRepository) GetByID(ctx context.Context, id string) (*models.DeliveryMission, error) {
	return r.getOne(ctx, `SELECT `+missionColumns+` FROM missions WHERE id = ?`, id)
}

// GetByOrderID fetches the current mission of an order: the one that has not failed, or the
// latest failed one when every attempt failed. (nil, nil) when the order has none.
func (r *MissionRepository) GetByOrderID(ctx context.Context, orderID string) (*models.DeliveryMission, error) {
	return r.getOne(ctx, `SELECT `+missionColumns+` FROM missions WHERE order_id = ?
ORDER BY CASE status WHEN 'FAILED' THEN 1 ELSE 0 END, created_at DESC, id DESC LIMIT 1`, orderID)
}

func (r *MissionRepository) getOne(ctx context.Context, query string, args ...any) (*models.DeliveryMission, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var m models.DeliveryMission
	var status string
	var delivered sql.NullTime
	err := r.db.QueryRowContext(ctx, query, args...).
		Scan(&m.ID, &m.MissionNumber, &m.OrderID, &m.DroneID, &m.RestaurantID, &status, &m.CreatedAt, &m.UpdatedAt, &delivered)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	m.Status = models.MissionStatus(status)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	m.DeliveredAt = timePtr(delivered)
	return &m, nil
}

// UpdateStatus moves a mission from one status to another. It reports false when the
// mission was no longer in from. Reaching DELIVERED stamps delivered_at.
func (r *MissionRepository) UpdateStatus(ctx context.Context, id string, from, to models.MissionStatus, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var delivered any
	if to == models.MissionStatusDelivered {
		delivered = now.UTC()
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE missions SET status = ?, updated_at = ?, delivered_at = COALESCE(?, delivered_at)
WHERE id = ? AND status = ?`, string(to), now.UTC(), delivered, id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
