// Package adapter performs runbook actions against the environment and
// reports the observable state afterwards.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/1sec-project/warden/internal/runbook"
)

var ErrNoExecutor = errors.New("no executor registered for action kind")

// Request is one concrete action bound to one target.
type Request struct {
	IncidentID    string             `json:"incident_id"`
	CorrelationID string             `json:"correlation_id"`
	Action        string             `json:"action"`
	Kind          runbook.ActionKind `json:"kind"`
	Target        string             `json:"target"`
	Params        runbook.Params     `json:"params,omitempty"`
	Compensating  bool               `json:"compensating,omitempty"`
}

// Result describes what an executor did.
type Result struct {
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// State is what a Probe observed. The "applied" key reports whether the
// action's effect is in place; for compensating kinds it reports whether the
// original effect has been undone.
type State map[string]any

const KeyApplied = "applied"

func Applied(v bool) State { return State{KeyApplied: v} }

// Executor runs and probes actions.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
	Probe(ctx context.Context, req Request) (State, error)
}

// Registry routes requests to the executor registered for their kind.
type Registry struct {
	mu       sync.RWMutex
	byKind   map[runbook.ActionKind]Executor
	names    map[runbook.ActionKind]string
	fallback Executor
}

var _ Executor = (*Registry)(nil)

// NewRegistry returns a registry that sends unregistered kinds to fallback.
// A nil fallback makes unregistered kinds fail with ErrNoExecutor.
func NewRegistry(fallback Executor) *Registry {
	return &Registry{
		byKind:   make(map[runbook.ActionKind]Executor),
		names:    make(map[runbook.ActionKind]string),
		fallback: fallback,
	}
}

func (r *Registry) Register(name string, e Executor, kinds ...runbook.ActionKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range kinds {
		r.byKind[k] = e
		r.names[k] = name
	}
}

func (r *Registry) For(kind runbook.ActionKind) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.byKind[kind]; ok {
		return e, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoExecutor, kind)
}

// Routes returns the executor name per registered kind.
func (r *Registry) Routes() map[runbook.ActionKind]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[runbook.ActionKind]string, len(r.names))
	for k, n := range r.names {
		out[k] = n
	}
	return out
}

func (r *Registry) Execute(ctx context.Context, req Request) (Result, error) {
	e, err := r.For(req.Kind)
	if err != nil {
		return Result{}, err
	}
	return e.Execute(ctx, req)
}

func (r *Registry) Probe(ctx context.Context, req Request) (State, error) {
	e, err := r.For(req.Kind)
	if err != nil {
		return nil, err
	}
	return e.Probe(ctx, req)
}

// effectKey identifies the environment fact an action changes. A
// compensating kind shares its key with the kind it undoes.
func effectKey(kind runbook.ActionKind, target string) (key string, undo bool) {
	if orig, ok := kind.Compensates(); ok {
		return string(orig) + "|" + target, true
	}
	return string(kind) + "|" + target, false
}
