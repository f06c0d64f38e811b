// Package store defines the durable state the engine keeps: incidents, the
// audit chain and approval requests. Drivers live in subpackages.
package store

import (
	"context"
	"errors"

	"github.com/1sec-project/warden/internal/approval"
	"github.com/1sec-project/warden/internal/audit"
	"github.com/1sec-project/warden/internal/incident"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate record")
)

// Incidents persists incident snapshots. Save is an upsert.
type Incidents interface {
	SaveIncident(ctx context.Context, inc *incident.Incident) error
	GetIncident(ctx context.Context, id string) (*incident.Incident, error)
	ListIncidents(ctx context.Context, f incident.Filter) ([]*incident.Incident, error)
}

// Store is everything a driver provides.
type Store interface {
	Incidents
	audit.Store
	approval.Store
	Close() error
}
