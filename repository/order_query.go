package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"droneFoodDelivery/models"
)

// ListByUserPage returns a page of a customer's orders, newest first.
// Ids are ULIDs, so keyset pagination on id alone follows creation order.
func (r *OrderRepository) ListByUserPage(ctx context.Context, userID string, pageSize int, afterID string) ([]models.Order, error) {
	uid := userID
	return r.ListAdmin(ctx, ListOrdersAdminParams{UserID: &uid, PageSize: pageSize, AfterID: afterID})
}

// ListOrdersAdminParams represents filters and pagination for ListAdmin.
type ListOrdersAdminParams struct {
	Statuses     []models.OrderStatus
	UserID       *string
	RestaurantID *string
	PageSize     int
	AfterID      string // keyset cursor: last order id of the previous page
}

// ListAdmin returns orders matching filters ordered by id desc with keyset pagination.
func (r *OrderRepository) ListAdmin(ctx context.Context, p ListOrdersAdminParams) ([]models.Order, error) {
	if p.PageSize <= 0 {
		p.PageSize = 20
	}
	if p.PageSize > 100 {
		p.PageSize = 100
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var where []string
	var args []any

	if len(p.Statuses) > 0 {
		placeholders := make([]string, len(p.Statuses))
		for i, s := range p.Statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	if p.UserID != nil {
		where = append(where, "user_id = ?")
		args = append(args, *p.UserID)
	}
	if p.RestaurantID != nil {
		where = append(where, "restaurant_id = ?")
		args = append(args, *p.RestaurantID)
	}
	if p.AfterID != "" {
		where = append(where, "id < ?")
		args = append(args, p.AfterID)
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, p.PageSize)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanOrderRows(rows)
}

// scanOrderRows is a helper to scan rows into Order objects.
func (r *OrderRepository) scanOrderRows(rows *sql.Rows) ([]models.Order, error) {
	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
