package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Undo reverses a completed step. It must tolerate being run for a step
// whose effect was already reversed.
type Undo func(ctx context.Context) error

// Observer is told the result of every undo that runs.
type Observer func(step string, err error)

type compensation struct {
	step string
	undo Undo
}

// Saga records the undo of each completed step and, unless completed, runs
// them newest first.
type Saga struct {
	name     string
	timeout  time.Duration
	observer Observer
	undos    []compensation
	done     bool
}

func New(name string, timeout time.Duration, observer Observer) *Saga {
	return &Saga{name: name, timeout: timeout, observer: observer}
}

// Step runs do and registers the undo it returns. A nil undo means the step
// left nothing to reverse.
func (s *Saga) Step(ctx context.Context, step string, do func(ctx context.Context) (Undo, error)) error {
	if s.done {
		return fmt.Errorf("saga %s: step %s after completion", s.name, step)
	}
	undo, err := do(ctx)
	if err != nil {
		return err
	}
	if undo != nil {
		s.undos = append(s.undos, compensation{step: step, undo: undo})
	}
	return nil
}

// Complete disarms the saga once its effects are durable.
func (s *Saga) Complete() {
	s.done = true
	s.undos = nil
}

// Pending is the number of registered undos.
func (s *Saga) Pending() int {
	return len(s.undos)
}

// Compensate runs every registered undo in reverse order. It runs on a
// context detached from ctx cancellation and bounded by the saga timeout.
// Failures are logged and reported to the observer; later undos still run.
func (s *Saga) Compensate(ctx context.Context) {
	if s.done || len(s.undos) == 0 {
		return
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	for i := len(s.undos) - 1; i >= 0; i-- {
		c := s.undos[i]
		err := s.runUndo(cctx, c)
		if err != nil {
			log.Error().Err(err).Str("saga", s.name).Str("step", c.step).Msg("Compensation step failed")
		} else {
			log.Info().Str("saga", s.name).Str("step", c.step).Msg("Compensation step completed")
		}
		if s.observer != nil {
			s.observer(c.step, err)
		}
	}

	s.undos = nil
	s.done = true
}

func (s *Saga) runUndo(ctx context.Context, c compensation) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in compensation %s: %v", c.step, p)
		}
	}()
	return c.undo(ctx)
}
