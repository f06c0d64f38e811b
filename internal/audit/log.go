package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Log appends records to a Store, chaining each to the previous one.
type Log struct {
	mu        sync.Mutex
	store     Store
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time

	loaded   bool
	seq      int64
	lastHash string
}

type Option func(*Log)

func WithClock(now func() time.Time) Option { return func(l *Log) { l.now = now } }

func WithPublisher(p Publisher) Option { return func(l *Log) { l.publisher = p } }

func NewLog(store Store, logger zerolog.Logger, opts ...Option) *Log {
	l := &Log{
		store:  store,
		logger: logger.With().Str("component", "audit").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// SetPublisher attaches a publisher after construction, once the bus is up.
func (l *Log) SetPublisher(p Publisher) {
	l.mu.Lock()
	l.publisher = p
	l.mu.Unlock()
}

// Append assigns id, sequence, timestamp and hashes to r and stores it. The
// chain does not advance when the store rejects the record.
func (l *Log) Append(ctx context.Context, r Record) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.loaded {
		last, err := l.store.LastAudit(ctx)
		if err != nil {
			return Record{}, fmt.Errorf("loading audit chain head: %w", err)
		}
		if last != nil {
			l.seq, l.lastHash = last.Seq, last.Hash
		}
		l.loaded = true
	}

	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Actor == "" {
		r.Actor = "system"
	}
	r.Seq = l.seq + 1
	r.Timestamp = l.now()
	r.PrevHash = l.lastHash
	h, err := ComputeHash(r)
	if err != nil {
		return Record{}, fmt.Errorf("hashing audit record: %w", err)
	}
	r.Hash = h

	if err := l.store.AppendAudit(ctx, r); err != nil {
		l.logger.Error().Err(err).
			Str("incident_id", r.IncidentID).
			Str("kind", string(r.Kind)).
			Msg("audit append failed")
		return Record{}, fmt.Errorf("appending audit record: %w", err)
	}
	l.seq, l.lastHash = r.Seq, r.Hash

	if l.publisher != nil {
		l.publisher.PublishAudit(r)
	}
	return r, nil
}

// Trail returns an incident's records in sequence order.
func (l *Log) Trail(ctx context.Context, incidentID string) ([]Record, error) {
	return l.store.AuditTrail(ctx, incidentID)
}

// Range returns up to limit records with sequence greater than afterSeq.
func (l *Log) Range(ctx context.Context, afterSeq int64, limit int) ([]Record, error) {
	return l.store.AuditRange(ctx, afterSeq, limit)
}

const verifyPage = 500

// Verify walks the whole chain and returns the number of records checked.
// A broken chain is reported as a *VerifyError.
func (l *Log) Verify(ctx context.Context) (int, error) {
	var (
		prevHash string
		prevSeq  int64
		checked  int
	)
	for {
		page, err := l.store.AuditRange(ctx, prevSeq, verifyPage)
		if err != nil {
			return checked, err
		}
		for _, r := range page {
			if err := verifyRecord(r, prevSeq, prevHash); err != nil {
				return checked, err
			}
			prevSeq, prevHash = r.Seq, r.Hash
			checked++
		}
		if len(page) < verifyPage {
			return checked, nil
		}
	}
}

// VerifyError reports the first record where the chain breaks.
type VerifyError struct {
	RecordID string
	Seq      int64
	Reason   string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("audit verification failed: record=%s seq=%d reason=%s", e.RecordID, e.Seq, e.Reason)
}

// IsVerifyError reports whether err is a broken-chain error.
func IsVerifyError(err error) bool {
	var ve *VerifyError
	return errors.As(err, &ve)
}

func verifyRecord(r Record, prevSeq int64, prevHash string) error {
	fail := func(reason string) error {
		return &VerifyError{RecordID: r.ID, Seq: r.Seq, Reason: reason}
	}
	if r.Seq != prevSeq+1 {
		return fail(fmt.Sprintf("sequence gap (expected %d)", prevSeq+1))
	}
	if r.PrevHash != prevHash {
		return fail(fmt.Sprintf("PrevHash mismatch (expected %s, got %s)", short(prevHash), short(r.PrevHash)))
	}
	want, err := ComputeHash(r)
	if err != nil {
		return err
	}
	if r.Hash != want {
		return fail(fmt.Sprintf("Hash mismatch (expected %s, got %s)", short(want), short(r.Hash)))
	}
	return nil
}

func short(s string) string {
	if len(s) <= 10 {
		return s
	}
	return s[:10]
}
