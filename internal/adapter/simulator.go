package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/warden/internal/runbook"
)

// Simulator applies actions to an in-memory model of the environment. It is
// the default executor and the one used in tests.
type Simulator struct {
	mu     sync.Mutex
	logger zerolog.Logger
	delay  time.Duration
	active map[string]bool
	fail   map[string]error
	broken map[string]bool
	calls  []Request
}

func NewSimulator(logger zerolog.Logger, delay time.Duration) *Simulator {
	return &Simulator{
		logger: logger.With().Str("component", "simulator").Logger(),
		delay:  delay,
		active: make(map[string]bool),
		fail:   make(map[string]error),
		broken: make(map[string]bool),
	}
}

func callKey(kind runbook.ActionKind, target string) string { return string(kind) + "|" + target }

// FailExecute makes the next executions of kind on target return err. A nil
// err clears the failure.
func (s *Simulator) FailExecute(kind runbook.ActionKind, target string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, callKey(kind, target))
		return
	}
	s.fail[callKey(kind, target)] = err
}

// BreakPostcondition makes probes of kind on target report the effect as
// not applied even after a successful execution.
func (s *Simulator) BreakPostcondition(kind runbook.ActionKind, target string) {
	s.mu.Lock()
	s.broken[callKey(kind, target)] = true
	s.mu.Unlock()
}

func (s *Simulator) Execute(ctx context.Context, req Request) (Result, error) {
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return Result{}, context.Cause(ctx)
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, context.Cause(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if err := s.fail[callKey(req.Kind, req.Target)]; err != nil {
		return Result{}, err
	}
	key, undo := effectKey(req.Kind, req.Target)
	if undo {
		delete(s.active, key)
	} else {
		s.active[key] = true
	}
	s.logger.Info().
		Str("incident_id", req.IncidentID).
		Str("action", req.Action).
		Str("kind", string(req.Kind)).
		Str("target", req.Target).
		Msg("simulated action applied")
	return Result{
		Message: fmt.Sprintf("simulated %s on %s", req.Kind, req.Target),
		Details: map[string]string{"executor": "simulator"},
	}, nil
}

func (s *Simulator) Probe(ctx context.Context, req Request) (State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken[callKey(req.Kind, req.Target)] {
		return Applied(false), nil
	}
	key, undo := effectKey(req.Kind, req.Target)
	return Applied(s.active[key] != undo), nil
}

// Calls returns every request Execute was invoked with, in order.
func (s *Simulator) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.calls...)
}

// Active reports whether kind's effect is currently in place on target.
func (s *Simulator) Active(kind runbook.ActionKind, target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, _ := effectKey(kind, target)
	return s.active[key]
}
