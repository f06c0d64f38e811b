package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Level is the process-wide autonomy level.
type Level int32

const (
	// L0 shadow: incidents are planned and gated but nothing executes.
	L0 Level = iota
	// L1 read-only: context gathering and notifications only.
	L1
	// L2 conditional: writes run when every gate passes; write-critical needs quorum.
	L2
	// L3 manual-approval: every action needs quorum.
	L3
)

func (l Level) String() string {
	if l >= L0 && l <= L3 {
		return fmt.Sprintf("L%d", int(l))
	}
	return fmt.Sprintf("L?(%d)", int(l))
}

func (l Level) Valid() bool { return l >= L0 && l <= L3 }

// ParseLevel accepts "L2", "l2", "2" or the level names.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "l0", "0", "shadow":
		return L0, nil
	case "l1", "1", "read-only", "readonly":
		return L1, nil
	case "l2", "2", "conditional":
		return L2, nil
	case "l3", "3", "manual", "manual-approval":
		return L3, nil
	}
	return L0, fmt.Errorf("unknown autonomy level %q", s)
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// ErrKillSwitch is the cancellation cause of actions interrupted by the kill-switch.
var ErrKillSwitch = errors.New("kill-switch engaged")

// ControlEvent describes an autonomy change or kill-switch toggle.
type ControlEvent struct {
	Kind   string    `json:"kind"`
	Actor  string    `json:"actor"`
	Reason string    `json:"reason,omitempty"`
	From   Level     `json:"from"`
	To     Level     `json:"to"`
	At     time.Time `json:"at"`
}

const (
	EventAutonomySet        = "autonomy_set"
	EventKillSwitchEngaged  = "kill_switch_engaged"
	EventKillSwitchReleased = "kill_switch_disengaged"
)

// Controller holds the autonomy level and the kill-switch. Reads are lock-free.
type Controller struct {
	level  atomic.Int32
	killed atomic.Bool

	mu         sync.Mutex
	killCtx    context.Context
	killCancel context.CancelFunc
	observers  []func(ControlEvent)

	logger zerolog.Logger
	now    func() time.Time
}

func NewController(initial Level, logger zerolog.Logger) *Controller {
	c := &Controller{
		logger: logger.With().Str("component", "autonomy").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if !initial.Valid() {
		initial = L0
	}
	c.level.Store(int32(initial))
	c.killCtx, c.killCancel = newKillContext()
	return c
}

// Observe registers fn to be called after every control change.
func (c *Controller) Observe(fn func(ControlEvent)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Configured is the level set by an administrator, ignoring the kill-switch.
func (c *Controller) Configured() Level { return Level(c.level.Load()) }

// Effective is the level the gates apply: L0 while the kill-switch is engaged.
func (c *Controller) Effective() Level {
	if c.killed.Load() {
		return L0
	}
	return c.Configured()
}

func (c *Controller) KillSwitchEngaged() bool { return c.killed.Load() }

func (c *Controller) SetLevel(l Level, actor string) error {
	if !l.Valid() {
		return fmt.Errorf("invalid autonomy level %d", int(l))
	}
	prev := Level(c.level.Swap(int32(l)))
	c.logger.Warn().Str("actor", actor).Str("from", prev.String()).Str("to", l.String()).Msg("autonomy level changed")
	c.emit(ControlEvent{Kind: EventAutonomySet, Actor: actor, From: prev, To: l, At: c.now()})
	return nil
}

// Engage trips the kill-switch and cancels every action bound to it. It
// returns false if the switch was already engaged.
func (c *Controller) Engage(actor, reason string) bool {
	c.mu.Lock()
	if c.killed.Load() {
		c.mu.Unlock()
		return false
	}
	c.killed.Store(true)
	cancel := c.killCancel
	c.mu.Unlock()

	cancel()
	c.logger.Error().Str("actor", actor).Str("reason", reason).Msg("KILL-SWITCH ENGAGED: autonomy forced to L0")
	c.emit(ControlEvent{Kind: EventKillSwitchEngaged, Actor: actor, Reason: reason, From: c.Configured(), To: L0, At: c.now()})
	return true
}

// Disengage restores the configured level. It returns false if the switch
// was not engaged.
func (c *Controller) Disengage(actor string) bool {
	c.mu.Lock()
	if !c.killed.Load() {
		c.mu.Unlock()
		return false
	}
	c.killCtx, c.killCancel = newKillContext()
	c.killed.Store(false)
	c.mu.Unlock()

	c.logger.Warn().Str("actor", actor).Str("level", c.Configured().String()).Msg("kill-switch disengaged")
	c.emit(ControlEvent{Kind: EventKillSwitchReleased, Actor: actor, From: L0, To: c.Configured(), At: c.now()})
	return true
}

// Bind derives a context that is cancelled with cause ErrKillSwitch when the
// kill-switch engages. The returned stop func must be called when the action
// finishes.
func (c *Controller) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	c.mu.Lock()
	kill := c.killCtx
	c.mu.Unlock()
	stop := context.AfterFunc(kill, func() { cancel(ErrKillSwitch) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

// Interrupted reports whether ctx was cancelled by the kill-switch.
func Interrupted(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrKillSwitch)
}

func (c *Controller) emit(ev ControlEvent) {
	c.mu.Lock()
	obs := append([]func(ControlEvent){}, c.observers...)
	c.mu.Unlock()
	for _, fn := range obs {
		fn(ev)
	}
}

func newKillContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	return ctx, cancel
}
