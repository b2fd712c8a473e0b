package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/food-order-service/internal/sagalog"
	"golang.org/x/sync/errgroup"
)

// Step is one unit of work of a saga with the action that undoes it.
type Step interface {
	Name() string
	Execute(ctx context.Context) error
	Compensate(ctx context.Context) error
}

type funcStep struct {
	name       string
	execute    func(ctx context.Context) error
	compensate func(ctx context.Context) error
}

// NewStep builds a Step from plain functions. A nil compensate means the
// step has nothing to undo.
func NewStep(name string, execute, compensate func(ctx context.Context) error) Step {
	return &funcStep{name: name, execute: execute, compensate: compensate}
}

func (s *funcStep) Name() string { return s.name }

func (s *funcStep) Execute(ctx context.Context) error { return s.execute(ctx) }

func (s *funcStep) Compensate(ctx context.Context) error {
	if s.compensate == nil {
		return nil
	}
	return s.compensate(ctx)
}

type CompensationFailure struct {
	Step string
	Err  error
}

// SagaError is returned when a step fails. It unwraps to the step's error.
type SagaError struct {
	Step         string
	Err          error
	Compensation []CompensationFailure
}

func (e *SagaError) Error() string {
	if len(e.Compensation) == 0 {
		return fmt.Sprintf("saga: step %s failed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("saga: step %s failed: %v (%d compensations failed)", e.Step, e.Err, len(e.Compensation))
}

func (e *SagaError) Unwrap() error {
	return e.Err
}

type Saga struct {
	id    string
	steps []Step
	log   sagalog.Repository
}

func NewSaga(id string, steps []Step, logRepo sagalog.Repository) *Saga {
	return &Saga{id: id, steps: steps, log: logRepo}
}

// Run executes the steps in order. When one fails, every step that already
// succeeded is compensated concurrently and a *SagaError is returned.
func (s *Saga) Run(ctx context.Context) error {
	s.record(ctx, sagalog.StatusStarted, "", nil)

	done := make([]Step, 0, len(s.steps))
	for _, step := range s.steps {
		if err := step.Execute(ctx); err != nil {
			log.Warn().Err(err).Str("saga_id", s.id).Str("step", step.Name()).Msg("saga: step failed, compensating")
			s.record(ctx, sagalog.StatusCompensating, step.Name(), []string{err.Error()})

			failures := s.compensate(ctx, done)
			msgs := []string{err.Error()}
			for _, f := range failures {
				msgs = append(msgs, fmt.Sprintf("compensation of %s failed: %v", f.Step, f.Err))
			}
			s.record(ctx, sagalog.StatusFailed, step.Name(), msgs)

			return &SagaError{Step: step.Name(), Err: err, Compensation: failures}
		}
		done = append(done, step)
		s.record(ctx, sagalog.StatusStepDone, step.Name(), nil)
	}

	s.record(ctx, sagalog.StatusCompleted, "", nil)
	return nil
}

func (s *Saga) compensate(ctx context.Context, done []Step) []CompensationFailure {
	failures := make([]error, len(done))

	var g errgroup.Group
	for i, step := range done {
		g.Go(func() error {
			if err := step.Compensate(ctx); err != nil {
				log.Error().Err(err).Str("saga_id", s.id).Str("step", step.Name()).Msg("saga: compensation failed")
				failures[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []CompensationFailure
	for i, err := range failures {
		if err != nil {
			out = append(out, CompensationFailure{Step: done[i].Name(), Err: err})
		}
	}
	return out
}

func (s *Saga) record(ctx context.Context, status sagalog.Status, step string, errs []string) {
	if s.log == nil {
		return
	}
	if err := s.log.Save(ctx, sagalog.NewEntry(ctx, s.id, status, step, errs)); err != nil {
		log.Warn().Err(err).Str("saga_id", s.id).Msg("saga: failed to write saga log")
	}
}

func (e *SagaError) compensationSummary() string {
	var b strings.Builder
	for _, f := range e.Compensation {
		fmt.Fprintf(&b, "- %s: %v\n", f.Step, f.Err)
	}
	return b.String()
}

// joinErrors flattens collected adapter failures for an operator alert.
func joinErrors(errs []error) string {
	return errors.Join(errs...).Error()
}
