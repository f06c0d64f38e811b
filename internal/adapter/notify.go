package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/1sec-project/warden/internal/runbook"
)

// NotifyConfig maps notification channels to webhook URLs and controls
// delivery retries. Channels without a URL are logged only.
type NotifyConfig struct {
	Channels       map[string]string `yaml:"channels" json:"channels"`
	MaxRetries     int               `yaml:"max_retries" json:"max_retries"`
	InitialBackoff time.Duration     `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration     `yaml:"max_backoff" json:"max_backoff"`
	CircuitBreaker int               `yaml:"circuit_breaker_threshold" json:"circuit_breaker_threshold"`
	CircuitPause   time.Duration     `yaml:"circuit_pause" json:"circuit_pause"`
	Timeout        time.Duration     `yaml:"timeout" json:"timeout"`
	AllowPrivate   bool              `yaml:"allow_private" json:"allow_private"`
}

func DefaultNotifyConfig() NotifyConfig {
	return NotifyConfig{
		Channels:       map[string]string{},
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
		CircuitBreaker: 5,
		CircuitPause:   60 * time.Second,
		Timeout:        10 * time.Second,
	}
}

// DeadLetter is a notification that could not be delivered.
type DeadLetter struct {
	ID         string    `json:"id"`
	Channel    string    `json:"channel"`
	IncidentID string    `json:"incident_id"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error"`
	FailedAt   time.Time `json:"failed_at"`
}

// Notifier delivers notify actions to channel webhooks with exponential
// backoff and a per-URL circuit breaker.
type Notifier struct {
	cfg    NotifyConfig
	client *http.Client
	logger zerolog.Logger

	mu         sync.Mutex
	delivered  map[string]time.Time
	deadLetter []DeadLetter
	maxDL      int
	cbFailures map[string]int
	cbOpenedAt map[string]time.Time
}

func NewNotifier(cfg NotifyConfig, logger zerolog.Logger) (*Notifier, error) {
	def := DefaultNotifyConfig()
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.CircuitBreaker <= 0 {
		cfg.CircuitBreaker = def.CircuitBreaker
	}
	if cfg.CircuitPause <= 0 {
		cfg.CircuitPause = def.CircuitPause
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	for ch, u := range cfg.Channels {
		if u == "" {
			continue
		}
		if err := validateEndpointURL(u, cfg.AllowPrivate); err != nil {
			return nil, fmt.Errorf("notify channel %q: %w", ch, err)
		}
	}
	return &Notifier{
		cfg:        cfg,
		client:     newHTTPClient(cfg.Timeout, cfg.AllowPrivate),
		logger:     logger.With().Str("component", "notifier").Logger(),
		delivered:  make(map[string]time.Time),
		maxDL:      500,
		cbFailures: make(map[string]int),
		cbOpenedAt: make(map[string]time.Time),
	}, nil
}

func deliveryKey(req Request, channel string) string {
	return req.IncidentID + "|" + req.Action + "|" + channel
}

func notifyParams(req Request) runbook.NotifyParams {
	p, _ := req.Params.(runbook.NotifyParams)
	if p.Channel == "" {
		p.Channel = "default"
	}
	return p
}

func (n *Notifier) Execute(ctx context.Context, req Request) (Result, error) {
	p := notifyParams(req)
	url := n.cfg.Channels[p.Channel]
	if url == "" {
		n.logger.Info().
			Str("incident_id", req.IncidentID).
			Str("channel", p.Channel).
			Str("target", req.Target).
			Msg(p.Message)
		n.markDelivered(req, p.Channel)
		return Result{
			Message: fmt.Sprintf("notification logged for channel %s", p.Channel),
			Details: map[string]string{"executor": "notify", "channel": p.Channel, "delivery": "log"},
		}, nil
	}

	payload := map[string]any{
		"source":         "warden",
		"channel":        p.Channel,
		"message":        p.Message,
		"incident_id":    req.IncidentID,
		"correlation_id": req.CorrelationID,
		"target":         req.Target,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	id := uuid.NewString()
	attempts, err := n.deliver(ctx, id, url, payload)
	if err != nil {
		n.addDeadLetter(DeadLetter{
			ID:         id,
			Channel:    p.Channel,
			IncidentID: req.IncidentID,
			Attempts:   attempts,
			LastError:  err.Error(),
			FailedAt:   time.Now().UTC(),
		})
		return Result{}, fmt.Errorf("notify %s: %w", p.Channel, err)
	}
	n.markDelivered(req, p.Channel)
	return Result{
		Message: fmt.Sprintf("notification delivered to %s", p.Channel),
		Details: map[string]string{
			"executor": "notify",
			"channel":  p.Channel,
			"delivery": id,
			"attempts": fmt.Sprintf("%d", attempts),
		},
	}, nil
}

// Probe reports whether a delivery for this incident action was recorded.
func (n *Notifier) Probe(_ context.Context, req Request) (State, error) {
	p := notifyParams(req)
	n.mu.Lock()
	_, ok := n.delivered[deliveryKey(req, p.Channel)]
	n.mu.Unlock()
	return State{KeyApplied: ok, "channel": p.Channel}, nil
}

func (n *Notifier) markDelivered(req Request, channel string) {
	n.mu.Lock()
	n.delivered[deliveryKey(req, channel)] = time.Now()
	n.mu.Unlock()
}

func (n *Notifier) deliver(ctx context.Context, id, url string, payload map[string]any) (int, error) {
	if n.isCircuitOpen(url) {
		return 0, fmt.Errorf("circuit breaker open for webhook URL")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= n.cfg.MaxRetries; attempt++ {
		attempts = attempt + 1
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return attempts, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "warden-notifier/1.0")
		req.Header.Set("X-Warden-Delivery-ID", id)
		req.Header.Set("X-Warden-Attempt", fmt.Sprintf("%d", attempts))

		resp, err := n.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
		} else {
			resp.Body.Close()
			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				n.recordSuccess(url)
				n.logger.Debug().Str("id", id).Int("attempts", attempts).Msg("notification delivered")
				return attempts, nil
			case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
				return attempts, fmt.Errorf("client error: HTTP %d", resp.StatusCode)
			default:
				lastErr = fmt.Errorf("server error: HTTP %d", resp.StatusCode)
			}
		}
		n.recordFailure(url)
		if ctx.Err() != nil {
			return attempts, context.Cause(ctx)
		}
		if attempt < n.cfg.MaxRetries {
			if err := n.backoff(ctx, attempt); err != nil {
				return attempts, err
			}
		}
	}
	return attempts, lastErr
}

func (n *Notifier) backoff(ctx context.Context, attempt int) error {
	delay := time.Duration(float64(n.cfg.InitialBackoff) * math.Pow(2, float64(attempt)))
	if delay > n.cfg.MaxBackoff {
		delay = n.cfg.MaxBackoff
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (n *Notifier) addDeadLetter(dl DeadLetter) {
	n.mu.Lock()
	if len(n.deadLetter) >= n.maxDL {
		n.deadLetter = n.deadLetter[n.maxDL/10:]
	}
	n.deadLetter = append(n.deadLetter, dl)
	n.mu.Unlock()
	n.logger.Warn().
		Str("id", dl.ID).
		Str("channel", dl.Channel).
		Int("attempts", dl.Attempts).
		Str("error", dl.LastError).
		Msg("notification moved to dead letter")
}

// DeadLetters returns the most recent failed deliveries, newest last.
func (n *Notifier) DeadLetters(limit int) []DeadLetter {
	n.mu.Lock()
	defer n.mu.Unlock()
	if limit <= 0 || limit > len(n.deadLetter) {
		limit = len(n.deadLetter)
	}
	return append([]DeadLetter(nil), n.deadLetter[len(n.deadLetter)-limit:]...)
}

func (n *Notifier) isCircuitOpen(url string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if openedAt, ok := n.cbOpenedAt[url]; ok {
		if time.Since(openedAt) < n.cfg.CircuitPause {
			return true
		}
		// half-open
		delete(n.cbOpenedAt, url)
		n.cbFailures[url] = 0
	}
	return false
}

func (n *Notifier) recordFailure(url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cbFailures[url]++
	if n.cbFailures[url] >= n.cfg.CircuitBreaker {
		n.cbOpenedAt[url] = time.Now()
		n.logger.Warn().Str("url", url).Int("failures", n.cbFailures[url]).Msg("circuit breaker opened for webhook URL")
	}
}

func (n *Notifier) recordSuccess(url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cbFailures[url] = 0
	delete(n.cbOpenedAt, url)
}
