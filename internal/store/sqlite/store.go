package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/1sec-project/warden/internal/approval"
	"github.com/1sec-project/warden/internal/audit"
	"github.com/1sec-project/warden/internal/incident"
	"github.com/1sec-project/warden/internal/store"
)

// Store is the default durable store: a single-file SQLite database in WAL
// mode behind one connection.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

var _ store.Store = (*Store)(nil)

func New(path string, logger zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger.With().Str("component", "store").Str("driver", "sqlite").Logger()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	s.logger.Info().Str("path", path).Msg("sqlite store ready")
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS incidents (
		id             TEXT PRIMARY KEY,
		correlation_id TEXT NOT NULL,
		type           TEXT NOT NULL,
		severity       TEXT NOT NULL,
		stage          TEXT NOT NULL,
		techniques     TEXT NOT NULL DEFAULT '',
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL,
		data           TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_incidents_stage ON incidents(stage);
	CREATE INDEX IF NOT EXISTS idx_incidents_created ON incidents(created_at);

	CREATE TABLE IF NOT EXISTS audit_records (
		seq         INTEGER PRIMARY KEY,
		id          TEXT NOT NULL UNIQUE,
		incident_id TEXT NOT NULL DEFAULT '',
		kind        TEXT NOT NULL,
		at          INTEGER NOT NULL,
		prev_hash   TEXT NOT NULL DEFAULT '',
		hash        TEXT NOT NULL,
		data        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_incident ON audit_records(incident_id, seq);

	CREATE TRIGGER IF NOT EXISTS audit_records_no_update BEFORE UPDATE ON audit_records
	BEGIN
		SELECT RAISE(ABORT, 'audit records are append-only');
	END;
	CREATE TRIGGER IF NOT EXISTS audit_records_no_delete BEFORE DELETE ON audit_records
	BEGIN
		SELECT RAISE(ABORT, 'audit records are append-only');
	END;

	CREATE TABLE IF NOT EXISTS approvals (
		id          TEXT PRIMARY KEY,
		incident_id TEXT NOT NULL,
		state       TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		expires_at  INTEGER NOT NULL,
		data        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_state ON approvals(state);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

func techniqueColumn(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return "," + strings.Join(tags, ",") + ","
}

func (s *Store) SaveIncident(ctx context.Context, inc *incident.Incident) error {
	data, err := json.Marshal(inc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, correlation_id, type, severity, stage, techniques, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			type = excluded.type,
			severity = excluded.severity,
			stage = excluded.stage,
			techniques = excluded.techniques,
			updated_at = excluded.updated_at,
			data = excluded.data
	`, inc.ID, inc.CorrelationID, inc.Type, inc.Severity.String(), inc.Stage.String(),
		techniqueColumn(inc.Techniques), inc.CreatedAt.UnixNano(), inc.UpdatedAt.UnixNano(), string(data))
	return err
}

func (s *Store) GetIncident(ctx context.Context, id string) (*incident.Incident, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM incidents WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("incident %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var inc incident.Incident
	if err := json.Unmarshal([]byte(data), &inc); err != nil {
		return nil, fmt.Errorf("decoding incident %s: %w", id, err)
	}
	return &inc, nil
}

func (s *Store) ListIncidents(ctx context.Context, f incident.Filter) ([]*incident.Incident, error) {
	var args []any
	var b strings.Builder
	b.WriteString(`SELECT data FROM incidents WHERE 1=1`)
	if f.Stage != "" {
		b.WriteString(" AND stage = ?")
		args = append(args, f.Stage)
	}
	if f.Type != "" {
		b.WriteString(" AND type = ?")
		args = append(args, f.Type)
	}
	if f.Technique != "" {
		b.WriteString(" AND techniques LIKE ?")
		args = append(args, "%,"+strings.ToUpper(f.Technique)+",%")
	}
	if f.Active {
		b.WriteString(" AND stage NOT IN ('close', 'failed', 'manual_review')")
	}
	b.WriteString(" ORDER BY created_at DESC")
	if f.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*incident.Incident
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var inc incident.Incident
		if err := json.Unmarshal([]byte(data), &inc); err != nil {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.Seq, r.ID, r.IncidentID, string(r.Kind), r.Timestamp.UnixNano(), r.PrevHash, r.Hash, string(data))
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
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
	return s.queryAudit(ctx, `SELECT data FROM audit_records WHERE incident_id = ? ORDER BY seq ASC`, incidentID)
}

func (s *Store) AuditRange(ctx context.Context, afterSeq int64, limit int) ([]audit.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryAudit(ctx, `SELECT data FROM audit_records WHERE seq > ? ORDER BY seq ASC LIMIT ?`, afterSeq, limit)
}

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
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET state = excluded.state, data = excluded.data
	`, r.ID, r.IncidentID, string(r.State), r.CreatedAt.UnixNano(), r.ExpiresAt.UnixNano(), string(data))
	return err
}

func (s *Store) ListApprovals(ctx context.Context, state approval.State) ([]*approval.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM approvals WHERE (? = '' OR state = ?) ORDER BY created_at ASC
	`, string(state), string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*approval.Request
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r approval.Request
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
