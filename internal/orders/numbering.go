package orders

import (
	"context"
	"fmt"
	"time"

	"droneFoodDelivery/internal/apperr"
	"droneFoodDelivery/repository"
)

// maxDailySequence is the largest sequence that fits the 4-digit suffix.
const maxDailySequence = 9999

// Numberer formats human-facing numbers as prefix + YYMMDD + a 4-digit daily sequence. The
// sequence comes from an atomic per-day counter, so concurrent callers get distinct values.
type Numberer struct {
	Prefix   string
	Sequence repository.SequenceRepositoryI
	Location *time.Location
}

// Next returns the next number for the calendar day of now in the numberer's location.
// It fails with a conflict once the day's sequence passes maxDailySequence.
func (n Numberer) Next(ctx context.Context, now time.Time) (string, error) {
	loc := n.Location
	if loc == nil {
		loc = time.UTC
	}
	day := now.In(loc).Format("060102")
	seq, err := n.Sequence.Next(ctx, day)
	if err != nil {
		return "", fmt.Errorf("next %s sequence for %s: %w", n.Prefix, day, err)
	}
	if seq > maxDailySequence {
		return "", apperr.New(apperr.CodeConflict, "%s sequence for %s exhausted", n.Prefix, day).
			WithDetail("sequence", seq)
	}
	return fmt.Sprintf("%s%s%04d", n.Prefix, day, seq), nil
}
