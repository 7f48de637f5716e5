package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"droneFoodDelivery/models"
)

type DroneRepository struct {
	db *sql.DB
}

func NewDroneRepository(db *sql.DB) *DroneRepository {
	return &DroneRepository{db: db}
}

const droneColumns = `id, serial_number, name, restaurant_id, status, lat, lng, max_payload_kg, max_range_km, current_mission_id, created_at, updated_at`

// Create inserts a new drone. Status defaults to IDLE if empty.
func (r *DroneRepository) Create(ctx context.Context, d *models.Drone) error {
	if d == nil {
		return errors.New("drone is nil")
	}
	if d.Status == "" {
		d.Status = models.DroneStatusIdle
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var lat, lng any
	if d.Location != nil {
		lat, lng = d.Location.Lat, d.Location.Lng
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO drones (`+droneColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.SerialNumber, d.Name, d.RestaurantID, string(d.Status), lat, lng, d.MaxPayloadKg, d.MaxRangeKm,
		nullString(d.CurrentMissionID), d.CreatedAt.UTC(), d.UpdatedAt.UTC())
	return err
}

func (r *DroneRepository) GetByID(ctx context.Context, id string) (*models.Drone, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	d, err := scanDrone(r.db.QueryRowContext(ctx, `SELECT `+droneColumns+` FROM drones WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return d, nil
}

func (r *DroneRepository) GetBySerial(ctx context.Context, serial string) (*models.Drone, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	d, err := scanDrone(r.db.QueryRowContext(ctx, `SELECT `+droneColumns+` FROM drones WHERE serial_number = ?`, serial))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return d, nil
}

// ListIdleByRestaurant returns the restaurant's idle drones in registration order.
func (r *DroneRepository) ListIdleByRestaurant(ctx context.Context, restaurantID string) ([]models.Drone, error) {
	status := models.DroneStatusIdle
	return r.ListAdmin(ctx, ListDronesAdminParams{Status: &status, RestaurantID: &restaurantID, PageSize: 100})
}

// Reserve flips the drone from IDLE to BUSY. It reports false when the drone was not idle,
// which is how concurrent assigners lose the race for the same drone.
func (r *DroneRepository) Reserve(ctx context.Context, id string, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	res, err := r.db.ExecContext(ctx, `UPDATE drones SET status = 'BUSY', updated_at = ? WHERE id = ? AND status = 'IDLE'`, now.UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// AttachMission records the mission a reserved drone is flying.
func (r *DroneRepository) AttachMission(ctx context.Context, id, missionID string, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	res, err := r.db.ExecContext(ctx, `UPDATE drones SET current_mission_id = ?, updated_at = ? WHERE id = ? AND status = 'BUSY'`, missionID, now.UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Release returns a BUSY drone to IDLE and clears its mission. It reports false when the
// drone was already idle.
func (r *DroneRepository) Release(ctx context.Context, id string, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	res, err := r.db.ExecContext(ctx, `UPDATE drones SET status = 'IDLE', current_mission_id = NULL, updated_at = ? WHERE id = ? AND status = 'BUSY'`, now.UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListDronesAdminParams contains filters and pagination for admin listing.
type ListDronesAdminParams struct {
	Status               *models.DroneStatus
	RestaurantID         *string
	NameOrSerialContains *string
	PageSize             int
	AfterID              string
}

// ListAdmin returns drones matching filters ordered by id asc with keyset pagination by id.
func (r *DroneRepository) ListAdmin(ctx context.Context, p ListDronesAdminParams) ([]models.Drone, error) {
	if p.PageSize <= 0 {
		p.PageSize = 20
	}
	if p.PageSize > 100 {
		p.PageSize = 100
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	where := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if p.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*p.Status))
	}
	if p.RestaurantID != nil {
		where = append(where, "restaurant_id = ?")
		args = append(args, *p.RestaurantID)
	}
	if p.NameOrSerialContains != nil && strings.TrimSpace(*p.NameOrSerialContains) != "" {
		like := "%" + strings.TrimSpace(*p.NameOrSerialContains) + "%"
		where = append(where, "(name LIKE ? OR serial_number LIKE ?)")
		args = append(args, like, like)
	}
	if p.AfterID != "" {
		where = append(where, "id > ?")
		args = append(args, p.AfterID)
	}

	query := "SELECT " + droneColumns + " FROM drones"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC LIMIT ?"
	args = append(args, p.PageSize)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Drone
	for rows.Next() {
		d, err := scanDrone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanDrone(row rowScanner) (*models.Drone, error) {
	var d models.Drone
	var status string
	var lat, lng sql.NullFloat64
	var mission sql.NullString
	if err := row.Scan(&d.ID, &d.SerialNumber, &d.Name, &d.RestaurantID, &status, &lat, &lng, &d.MaxPayloadKg, &d.MaxRangeKm,
		&mission, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Status = models.DroneStatus(status)
	if lat.Valid && lng.Valid {
		d.Location = &models.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}
	d.CurrentMissionID = stringPtr(mission)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}
