// Package saga runs multi-service operations as named steps with optional compensation.
package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"droneFoodDelivery/internal/observability"
)

// Step is one hop of a saga. Compensate undoes Do; a nil Compensate marks a pivot, a step
// whose effect stays committed once it succeeds.
type Step struct {
	Name       string
	Do         func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Saga is an ordered list of steps run without a shared transaction.
type Saga struct {
	Name   string
	Steps  []Step
	Logger *zap.Logger
}

// PartialFailure reports a saga that failed after some of its steps committed and could not
// be undone. Committed lists those steps in execution order.
type PartialFailure struct {
	Saga       string
	FailedStep string
	Committed  []string
	Err        error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("saga %s failed at %s with %s committed: %v", e.Saga, e.FailedStep, strings.Join(e.Committed, ","), e.Err)
}

func (e *PartialFailure) Unwrap() error { return e.Err }

// StepError wraps the error of the step that failed when every completed step was undone.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("step %s: %v", e.Step, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

// Run executes the steps in order. When a step fails, completed steps are compensated in
// reverse order until a pivot is reached. If every completed step was undone Run returns a
// *StepError, otherwise a *PartialFailure.
func (s Saga) Run(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, span := observability.Tracer().Start(ctx, "saga."+s.Name)
	defer span.End()

	done := make([]Step, 0, len(s.Steps))
	for _, step := range s.Steps {
		err := runStep(ctx, s.Name, step)
		if err == nil {
			done = append(done, step)
			continue
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, step.Name)
		logger.Warn("saga step failed", zap.String("saga", s.Name), zap.String("step", step.Name), zap.Error(err))

		committed := s.compensate(ctx, done, logger)
		if len(committed) == 0 {
			return &StepError{Step: step.Name, Err: err}
		}
		span.SetAttributes(attribute.StringSlice("saga.committed", committed))
		return &PartialFailure{Saga: s.Name, FailedStep: step.Name, Committed: committed, Err: err}
	}
	return nil
}

// compensate undoes done in reverse order and returns the steps left committed.
func (s Saga) compensate(ctx context.Context, done []Step, logger *zap.Logger) []string {
	// Compensation must run even if the caller's context was cancelled by the failure.
	ctx = context.WithoutCancel(ctx)
	for i := len(done) - 1; i >= 0; i-- {
		step := done[i]
		if step.Compensate == nil {
			return names(done[:i+1])
		}
		_, span := observability.Tracer().Start(ctx, "saga."+s.Name+".compensate."+step.Name)
		err := step.Compensate(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "compensation failed")
		}
		span.End()
		if err != nil {
			logger.Error("saga compensation failed", zap.String("saga", s.Name), zap.String("step", step.Name), zap.Error(err))
			return names(done[:i+1])
		}
	}
	return nil
}

func runStep(ctx context.Context, saga string, step Step) (err error) {
	ctx, span := observability.Tracer().Start(ctx, "saga."+saga+"."+step.Name)
	defer span.End()
	if step.Do == nil {
		return errors.New("step has no action")
	}
	if err = step.Do(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func names(steps []Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Name
	}
	return out
}
