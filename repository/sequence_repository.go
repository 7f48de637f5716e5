package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SequenceRepository hands out gap-tolerant, strictly increasing per-day sequence numbers
// from a counters table (order_counters or mission_counters).
type SequenceRepository struct {
	db    *sql.DB
	table string
}

// NewOrderSequence returns the sequence backing order numbers.
func NewOrderSequence(db *sql.DB) *SequenceRepository {
	return &SequenceRepository{db: db, table: "order_counters"}
}

// NewMissionSequence returns the sequence backing mission numbers.
func NewMissionSequence(db *sql.DB) *SequenceRepository {
	return &SequenceRepository{db: db, table: "mission_counters"}
}

// Next atomically increments and returns the counter for day. The upsert is a single
// statement, so concurrent callers never observe the same value.
func (r *SequenceRepository) Next(ctx context.Context, day string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var seq int64
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(`
INSERT INTO %s (day, seq) VALUES (?, 1)
ON CONFLICT(day) DO UPDATE SET seq = seq + 1
RETURNING seq`, r.table), day).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}
