package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/1sec-project/warden/internal/approval"
	"github.com/1sec-project/warden/internal/audit"
	"github.com/1sec-project/warden/internal/incident"
	"github.com/1sec-project/warden/internal/store"
)

// Store keeps engine state in PostgreSQL.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	s := &Store{db: db, logger: logger.With().Str("component", "store").Str("driver", "postgres").Logger()}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	s.logger.Info().Msg("postgres store ready")
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS incidents (
	id             TEXT PRIMARY KEY,
	correlation_id TEXT NOT NULL,
	type           TEXT NOT NULL,
	severity       TEXT NOT NULL,
	stage          TEXT NOT NULL,
	techniques     TEXT[] NOT NULL DEFAULT '{}',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	data           JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_incidents_stage ON incidents(stage);
CREATE INDEX IF NOT EXISTS idx_incidents_created ON incidents(created_at);

CREATE TABLE IF NOT EXISTS audit_records (
	seq         BIGINT PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	incident_id TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	at          TIMESTAMPTZ NOT NULL,
	prev_hash   TEXT NOT NULL DEFAULT '',
	hash        TEXT NOT NULL,
	data        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_incident ON audit_records(incident_id, seq);

CREATE OR REPLACE FUNCTION warden_audit_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'audit records are append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS audit_records_append_only ON audit_records;
CREATE TRIGGER audit_records_append_only BEFORE UPDATE OR DELETE ON audit_records
	FOR EACH ROW EXECUTE FUNCTION warden_audit_append_only();

CREATE TABLE IF NOT EXISTS approvals (
	id          TEXT PRIMARY KEY,
	incident_id TEXT NOT NULL,
	state       TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL,
	data        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approvals_state ON approvals(state);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) SaveIncident(ctx context.Context, inc *incident.Incident) error {
	data, err := json.Marshal(inc)
	if err != nil {
		return err
	}
	techniques := inc.Techniques
	if techniques == nil {
		techniques = []string{}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, correlation_id, type, severity, stage, techniques, created_at, updated_at, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type,
			severity = EXCLUDED.severity,
			stage = EXCLUDED.stage,
			techniques = EXCLUDED.techniques,
			updated_at = EXCLUDED.updated_at,
			data = EXCLUDED.data
	`, inc.ID, inc.CorrelationID, inc.Type, inc.Severity.String(), inc.Stage.String(),
		pq.Array(techniques), inc.CreatedAt, inc.UpdatedAt, data)
	return err
}

func (s *Store) GetIncident(ctx context.Context, id string) (*incident.Incident, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM incidents WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("incident %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var inc incident.Incident
	if err := json.Unmarshal(data, &inc); err != nil {
		return nil, fmt.Errorf("decoding incident %s: %w", id, err)
	}
	return &inc, nil
}

func (s *Store) ListIncidents(ctx context.Context, f incident.Filter) ([]*incident.Incident, error) {
	var args []any
	var b strings.Builder
	b.WriteString(`SELECT data FROM incidents WHERE 1=1`)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Stage != "" {
		b.WriteString(" AND stage = " + arg(f.Stage))
	}
	if f.Type != "" {
		b.WriteString(" AND type = " + arg(f.Type))
	}
	if f.Technique != "" {
		b.WriteString(" AND " + arg(strings.ToUpper(f.Technique)) + " = ANY(techniques)")
	}
	if f.Active {
		b.WriteString(" AND stage NOT IN ('close', 'failed', 'manual_review')")
	}
	b.WriteString(" ORDER BY created_at DESC")
	if f.Limit > 0 {
		b.WriteString(" LIMIT " + arg(f.Limit))
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*incident.Incident
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var inc incident.Incident
		if err := json.Unmarshal(data, &inc); err != nil {
			return nil, err
		}
		out = append(out, &inc)
	}
	return out, rows.Err()
}

func (s *Store) AppendAudit(ctx context.Context, r audit.Record) error {
	if r.ID == "" {
		return errors.New("audit record id is required")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_records (seq, id, incident_id, kind, at, prev_hash, hash, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.Seq, r.ID, r.IncidentID, string(r.Kind), r.Timestamp, r.PrevHash, r.Hash, string(data))
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("audit record %s: %w", r.ID, store.ErrDuplicate)
	}
	return err
}

func (s *Store) LastAudit(ctx context.Context) (*audit.Record, error) {
	recs, err := s.queryAudit(ctx, `SELECT data FROM audit_records ORDER BY seq DESC LIMIT 1`)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func (s *Store) AuditTrail(ctx context.Context, incidentID string) ([]audit.Record, error) {
	return s.queryAudit(ctx, `SELECT data FROM audit_records WHERE incident_id = $1 ORDER BY seq ASC`, incidentID)
}

func (s *Store) AuditRange(ctx context.Context, afterSeq int64, limit int) ([]audit.Record, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	return s.queryAudit(ctx, `SELECT data FROM audit_records WHERE seq > $1 ORDER BY seq ASC LIMIT $2`, afterSeq, lim)
}

// Audit data is TEXT rather than JSONB so records decode exactly as written.
func (s *Store) queryAudit(ctx context.Context, q string, args ...any) ([]audit.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []audit.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r audit.Record
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SaveApproval(ctx context.Context, r *approval.Request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, incident_id, state, created_at, expires_at, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, data = EXCLUDED.data
	`, r.ID, r.IncidentID, string(r.State), r.CreatedAt, r.ExpiresAt, data)
	return err
}

func (s *Store) ListApprovals(ctx context.Context, state approval.State) ([]*approval.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM approvals WHERE ($1::text = '' OR state = $1) ORDER BY created_at ASC
	`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*approval.Request
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r approval.Request
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
