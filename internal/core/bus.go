package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/1sec-project/warden/internal/approval"
	"github.com/1sec-project/warden/internal/audit"
	"github.com/1sec-project/warden/internal/incident"
)

const (
	SubjectDetections      = "warden.detections"
	SubjectAudit           = "warden.audit"
	SubjectApprovalPending = "warden.approvals.pending"
	SubjectApprovalDone    = "warden.approvals.resolved"

	detectionsDurable = "warden-detections"
)

// EventBus wraps NATS JetStream: detections come in, audit records and
// approval notifications go out. The plain connection also carries endpoint
// agent requests.
type EventBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger
	mu     sync.Mutex
	subs   []*nats.Subscription

	received  atomic.Int64
	rejected  atomic.Int64
	published atomic.Int64
	failed    atomic.Int64
}

var (
	_ audit.Publisher   = (*EventBus)(nil)
	_ approval.Notifier = (*EventBus)(nil)
)

// NewEventBus connects to NATS, starting an embedded JetStream server first
// when cfg.Embedded is set, and ensures the warden streams exist.
func NewEventBus(cfg *BusConfig, logger zerolog.Logger) (*EventBus, error) {
	bus := &EventBus{
		logger: logger.With().Str("component", "event_bus").Logger(),
	}

	url := cfg.URL
	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}
		ns, err := server.NewServer(&server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}
		ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}
		bus.ns = ns
		url = ns.ClientURL()
		bus.logger.Info().Str("url", url).Msg("embedded NATS server started")
	}

	nc, err := nats.Connect(url,
		nats.Name("warden"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bus.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		bus.shutdownServer()
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bus.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	bus.js = js

	for _, sc := range []*nats.StreamConfig{
		{Name: "WARDEN_DETECTIONS", Subjects: []string{SubjectDetections + ".>"}, MaxAge: 7 * 24 * time.Hour, MaxBytes: 512 << 20},
		{Name: "WARDEN_AUDIT", Subjects: []string{SubjectAudit + ".>"}, MaxAge: 90 * 24 * time.Hour, MaxBytes: 1 << 30},
		{Name: "WARDEN_APPROVALS", Subjects: []string{"warden.approvals.>"}, MaxAge: 30 * 24 * time.Hour, MaxBytes: 128 << 20},
	} {
		sc.Retention = nats.LimitsPolicy
		sc.Storage = nats.FileStorage
		sc.Discard = nats.DiscardOld
		if err := bus.ensureStream(sc); err != nil {
			bus.Close()
			return nil, err
		}
	}

	bus.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return bus, nil
}

// ensureStream creates the stream or, when it exists with an older
// configuration, updates it.
func (b *EventBus) ensureStream(sc *nats.StreamConfig) error {
	if _, err := b.js.AddStream(sc); err != nil {
		if _, uerr := b.js.UpdateStream(sc); uerr != nil {
			return fmt.Errorf("creating stream %s: %w (update: %v)", sc.Name, err, uerr)
		}
	}
	return nil
}

// Conn is the underlying connection, used for endpoint agent requests.
func (b *EventBus) Conn() *nats.Conn { return b.nc }

// subjectToken makes s safe to use as a single subject token.
func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

func (b *EventBus) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", subject, err)
	}
	if _, err := b.js.PublishAsync(subject, data); err != nil {
		b.failed.Add(1)
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	b.published.Add(1)
	return nil
}

// PublishDetection puts a detection on the ingestion stream.
func (b *EventBus) PublishDetection(ev incident.DetectionEvent) error {
	return b.publish(SubjectDetections+"."+subjectToken(ev.Source), ev)
}

// PublishAudit fans an appended audit record out to subscribers.
func (b *EventBus) PublishAudit(r audit.Record) {
	if err := b.publish(SubjectAudit+"."+subjectToken(string(r.Kind)), r); err != nil {
		b.logger.Warn().Err(err).Str("audit_id", r.ID).Msg("audit record not published")
	}
}

// NotifyPending announces an approval request once per required role.
func (b *EventBus) NotifyPending(r *approval.Request) {
	for _, role := range r.RequiredRoles {
		if err := b.publish(SubjectApprovalPending+"."+subjectToken(role), r); err != nil {
			b.logger.Warn().Err(err).Str("approval_id", r.ID).Str("role", role).Msg("approval notification not published")
		}
	}
}

// PublishResolved announces that an approval request left the pending state.
func (b *EventBus) PublishResolved(r *approval.Request) {
	if err := b.publish(SubjectApprovalDone+"."+subjectToken(string(r.State)), r); err != nil {
		b.logger.Warn().Err(err).Str("approval_id", r.ID).Msg("approval resolution not published")
	}
}

// ErrRejectDetection marks a detection the handler will never accept; it is
// terminated instead of redelivered.
var ErrRejectDetection = errors.New("detection rejected")

// SubscribeDetections consumes the ingestion stream with a durable consumer.
// Undecodable messages and ErrRejectDetection are terminated; other handler
// errors are retried by redelivery.
func (b *EventBus) SubscribeDetections(ctx context.Context, handler func(context.Context, incident.DetectionEvent) error) error {
	sub, err := b.js.Subscribe(SubjectDetections+".>", func(msg *nats.Msg) {
		b.received.Add(1)
		var ev incident.DetectionEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.rejected.Add(1)
			b.logger.Error().Err(err).Str("subject", msg.Subject).Msg("undecodable detection")
			_ = msg.Term()
			return
		}
		if err := handler(ctx, ev); err != nil {
			if errors.Is(err, ErrRejectDetection) {
				b.rejected.Add(1)
				_ = msg.Term()
				return
			}
			b.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("detection not accepted, will be redelivered")
			_ = msg.NakWithDelay(5 * time.Second)
			return
		}
		_ = msg.Ack()
	}, nats.Durable(detectionsDurable), nats.DeliverNew(), nats.AckExplicit(), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("subscribing to detections: %w", err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	b.logger.Debug().Str("durable", detectionsDurable).Msg("detection consumer started")
	return nil
}

// Close drains subscriptions and stops the embedded server.
func (b *EventBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}
	b.shutdownServer()
	return nil
}

func (b *EventBus) shutdownServer() {
	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
		b.logger.Info().Msg("embedded NATS server stopped")
	}
}

func (b *EventBus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// GetMetrics returns bus counters.
func (b *EventBus) GetMetrics() map[string]int64 {
	return map[string]int64{
		"detections_received": b.received.Load(),
		"detections_rejected": b.rejected.Load(),
		"messages_published":  b.published.Load(),
		"publish_failures":    b.failed.Load(),
	}
}
