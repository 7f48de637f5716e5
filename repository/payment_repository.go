package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"droneFoodDelivery/models"
)

// PaymentRepository stores Payment records. order_id is unique, so at most one payment
// exists per order.
type PaymentRepository struct {
	db *sql.DB
}

// NewPaymentRepository creates a new PaymentRepository.
func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

const paymentColumns = `id, order_id, order_number, user_id, method, status, amount, gateway_request_id, gateway_transaction_id,
gateway_signature, payment_url, timeline, refund, expires_at, completed_at, version, created_at, updated_at`

// Create inserts a payment. A second payment for the same order fails with a unique violation.
func (r *PaymentRepository) Create(ctx context.Context, p *models.Payment) error {
	if p == nil {
		return errors.New("payment is nil")
	}
	if p.Version == 0 {
		p.Version = 1
	}
	amount, timeline, refund, err := encodePayment(p)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err = r.db.ExecContext(ctx, `INSERT INTO payments (`+paymentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.OrderID, p.OrderNumber, p.UserID, p.Method, string(p.Status), amount,
		emptyAsNull(p.GatewayRequestID), emptyAsNull(p.GatewayTransactionID), emptyAsNull(p.GatewaySignature), emptyAsNull(p.PaymentURL),
		timeline, refund, nullableTime(p.ExpiresAt), nullableTime(p.CompletedAt), p.Version, p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	return err
}

// GetByID fetches a payment by id; (nil, nil) when absent.
func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*models.Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
}

// GetByOrderID fetches the payment of an order; (nil, nil) when absent.
func (r *PaymentRepository) GetByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = ?`, orderID)
}

// GetByGatewayRequestID resolves a gateway callback reference to its payment.
func (r *PaymentRepository) GetByGatewayRequestID(ctx context.Context, method, requestID string) (*models.Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE method = ? AND gateway_request_id = ?`, method, requestID)
}

func (r *PaymentRepository) getOne(ctx context.Context, query string, args ...any) (*models.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	p, err := scanPayment(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// Update writes the mutable columns of p when the stored version equals expectedVersion.
// It reports false when the compare-and-set lost.
func (r *PaymentRepository) Update(ctx context.Context, p *models.Payment, expectedVersion int64) (bool, error) {
	if p == nil {
		return false, errors.New("payment is nil")
	}
	amount, timeline, refund, err := encodePayment(p)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	res, err := r.db.ExecContext(ctx, `
UPDATE payments SET
  status = ?, amount = ?, gateway_request_id = ?, gateway_transaction_id = ?, gateway_signature = ?, payment_url = ?,
  timeline = ?, refund = ?, expires_at = ?, completed_at = ?, version = version + 1, updated_at = ?
WHERE id = ? AND version = ?`,
		string(p.Status), amount, emptyAsNull(p.GatewayRequestID), emptyAsNull(p.GatewayTransactionID),
		emptyAsNull(p.GatewaySignature), emptyAsNull(p.PaymentURL), timeline, refund,
		nullableTime(p.ExpiresAt), nullableTime(p.CompletedAt), p.UpdatedAt.UTC(), p.ID, expectedVersion)
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
	p.Version = expectedVersion + 1
	return true, nil
}

func encodePayment(p *models.Payment) (amount, timeline string, refund any, err error) {
	if amount, err = toJSON(p.Amount); err != nil {
		return "", "", nil, fmt.Errorf("encode amount: %w", err)
	}
	events := p.Timeline
	if events == nil {
		events = []models.PaymentEvent{}
	}
	if timeline, err = toJSON(events); err != nil {
		return "", "", nil, fmt.Errorf("encode timeline: %w", err)
	}
	if refund, err = nullableJSON(p.Refund); err != nil {
		return "", "", nil, fmt.Errorf("encode refund: %w", err)
	}
	return amount, timeline, refund, nil
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	var status, amount, timeline string
	var reqID, txID, sig, url, refund sql.NullString
	var expires, completed sql.NullTime
	if err := row.Scan(&p.ID, &p.OrderID, &p.OrderNumber, &p.UserID, &p.Method, &status, &amount, &reqID, &txID,
		&sig, &url, &timeline, &refund, &expires, &completed, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = models.PaymentStatus(status)
	p.GatewayRequestID = reqID.String
	p.GatewayTransactionID = txID.String
	p.GatewaySignature = sig.String
	p.PaymentURL = url.String
	p.ExpiresAt = timePtr(expires)
	p.CompletedAt = timePtr(completed)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	if err := fromJSON("amount", amount, &p.Amount); err != nil {
		return nil, err
	}
	if err := fromJSON("timeline", timeline, &p.Timeline); err != nil {
		return nil, err
	}
	var err error
	if p.Refund, err = fromNullJSON[models.Refund]("refund", refund); err != nil {
		return nil, err
	}
	return &p, nil
}
