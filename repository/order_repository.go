package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"droneFoodDelivery/models"
)

// OrderRepository is the core repository for Order entities.
// Updates are compare-and-set on the version column.
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository creates a new OrderRepository.
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

const orderColumns = `id, order_number, user_id, restaurant_id, status, items, amount, delivery_address, payment, timeline,
mission_id, drone_id, cancellation, rating, estimated_delivery_time, actual_delivery_time, version, created_at, updated_at`

// Create inserts a new order. Version defaults to 1.
// A duplicate order number surfaces as a unique violation (see db.IsUniqueViolation).
func (r *OrderRepository) Create(ctx context.Context, o *models.Order) error {
	if o == nil {
		return errors.New("order is nil")
	}
	if o.Version == 0 {
		o.Version = 1
	}
	cols, err := encodeOrder(o)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err = r.db.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.OrderNumber, o.UserID, o.RestaurantID, string(o.Status),
		cols.items, cols.amount, cols.address, cols.payment, cols.timeline,
		nullString(o.MissionID), nullString(o.DroneID), cols.cancellation, cols.rating,
		nullableTime(o.EstimatedDeliveryTime), nullableTime(o.ActualDeliveryTime),
		o.Version, o.CreatedAt.UTC(), o.UpdatedAt.UTC())
	return err
}

// GetByID fetches an order by its ID. It returns (nil, nil) when the order does not exist.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*models.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	o, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return o, nil
}

// GetByOrderNumber fetches an order by its human-readable number.
func (r *OrderRepository) GetByOrderNumber(ctx context.Context, number string) (*models.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	o, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number = ?`, number))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return o, nil
}

// Update writes every mutable column of o if the stored version still equals
// expectedVersion, and bumps the version. It reports false when another writer won the race.
// On success o.Version holds the new version.
func (r *OrderRepository) Update(ctx context.Context, o *models.Order, expectedVersion int64) (bool, error) {
	if o == nil {
		return false, errors.New("order is nil")
	}
	cols, err := encodeOrder(o)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	res, err := r.db.ExecContext(ctx, `
UPDATE orders SET
  status = ?, items = ?, amount = ?, delivery_address = ?, payment = ?, timeline = ?,
  mission_id = ?, drone_id = ?, cancellation = ?, rating = ?,
  estimated_delivery_time = ?, actual_delivery_time = ?,
  version = version + 1, updated_at = ?
WHERE id = ? AND version = ?`,
		string(o.Status), cols.items, cols.amount, cols.address, cols.payment, cols.timeline,
		nullString(o.MissionID), nullString(o.DroneID), cols.cancellation, cols.rating,
		nullableTime(o.EstimatedDeliveryTime), nullableTime(o.ActualDeliveryTime),
		o.UpdatedAt.UTC(), o.ID, expectedVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	o.Version = expectedVersion + 1
	return true, nil
}

type orderJSONColumns struct {
	items, amount, address, payment, timeline string
	cancellation, rating                      any
}

func encodeOrder(o *models.Order) (orderJSONColumns, error) {
	var c orderJSONColumns
	var err error
	items := o.Items
	if items == nil {
		items = []models.LineItem{}
	}
	timeline := o.Timeline
	if timeline == nil {
		timeline = []models.TimelineEntry{}
	}
	if c.items, err = toJSON(items); err != nil {
		return c, fmt.Errorf("encode items: %w", err)
	}
	if c.amount, err = toJSON(o.Amount); err != nil {
		return c, fmt.Errorf("encode amount: %w", err)
	}
	if c.address, err = toJSON(o.DeliveryAddress); err != nil {
		return c, fmt.Errorf("encode delivery address: %w", err)
	}
	if c.payment, err = toJSON(o.Payment); err != nil {
		return c, fmt.Errorf("encode payment: %w", err)
	}
	if c.timeline, err = toJSON(timeline); err != nil {
		return c, fmt.Errorf("encode timeline: %w", err)
	}
	if c.cancellation, err = nullableJSON(o.Cancellation); err != nil {
		return c, fmt.Errorf("encode cancellation: %w", err)
	}
	if c.rating, err = nullableJSON(o.Rating); err != nil {
		return c, fmt.Errorf("encode rating: %w", err)
	}
	return c, nil
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var status, items, amount, address, payment, timeline string
	var missionID, droneID, cancellation, rating sql.NullString
	var eta, actual sql.NullTime
	if err := row.Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.RestaurantID, &status, &items, &amount, &address, &payment, &timeline,
		&missionID, &droneID, &cancellation, &rating, &eta, &actual, &o.Version, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Status = models.OrderStatus(status)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	o.MissionID = stringPtr(missionID)
	o.DroneID = stringPtr(droneID)
	o.EstimatedDeliveryTime = timePtr(eta)
	o.ActualDeliveryTime = timePtr(actual)
	if err := fromJSON("items", items, &o.Items); err != nil {
		return nil, err
	}
	if err := fromJSON("amount", amount, &o.Amount); err != nil {
		return nil, err
	}
	if err := fromJSON("delivery_address", address, &o.DeliveryAddress); err != nil {
		return nil, err
	}
	if err := fromJSON("payment", payment, &o.Payment); err != nil {
		return nil, err
	}
	if err := fromJSON("timeline", timeline, &o.Timeline); err != nil {
		return nil, err
	}
	var err error
	if o.Cancellation, err = fromNullJSON[models.Cancellation]("cancellation", cancellation); err != nil {
		return nil, err
	}
	if o.Rating, err = fromNullJSON[models.Rating]("rating", rating); err != nil {
		return nil, err
	}
	return &o, nil
}
