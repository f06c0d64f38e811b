package gate

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1sec-project/warden/internal/runbook"
)

// Reservation is what an allow decision holds in the ledger until the action
// finishes: a blast-radius hold on the target and, for writes, a cooldown slot.
type Reservation struct {
	ID          string             `json:"id"`
	IncidentID  string             `json:"incident_id"`
	Kind        runbook.ActionKind `json:"kind"`
	Target      string             `json:"target"`
	Held        bool               `json:"held"`
	CooldownKey string             `json:"cooldown_key,omitempty"`
}

// Ledger is the shared state behind the blast-radius and cooldown gates.
// Every check-and-reserve runs under one mutex so concurrent incidents cannot
// both pass a check that only one of them may pass.
type Ledger struct {
	mu       sync.Mutex
	ceiling  int
	cooldown time.Duration
	// holds maps a held target to the incidents holding it.
	holds       map[string]map[string]int
	lastSuccess map[string]time.Time
	inflight    map[string]string
	now         func() time.Time
}

func NewLedger(ceiling int, cooldown time.Duration) *Ledger {
	return &Ledger{
		ceiling:     ceiling,
		cooldown:    cooldown,
		holds:       make(map[string]map[string]int),
		lastSuccess: make(map[string]time.Time),
		inflight:    make(map[string]string),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetLimits updates the ceiling and cooldown window. Existing holds are kept
// even if they now exceed the ceiling.
func (l *Ledger) SetLimits(ceiling int, cooldown time.Duration) {
	l.mu.Lock()
	l.ceiling = ceiling
	l.cooldown = cooldown
	l.mu.Unlock()
}

func (l *Ledger) Limits() (int, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ceiling, l.cooldown
}

func cooldownKey(kind runbook.ActionKind, target string) string {
	return string(kind) + "|" + target
}

type reserveResult struct {
	res         *Reservation
	gate        GateName
	reason      string
	escalatable bool
}

// reserve runs the blast-radius and cooldown gates and, if both pass, takes
// the reservation atomically.
func (l *Ledger) reserve(req Request, overrideBlast bool) reserveResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	counted := req.Kind.BlastCounted()
	if counted && !overrideBlast {
		if _, held := l.holds[req.Target]; !held && len(l.holds)+1 > l.ceiling {
			return reserveResult{
				gate:        GateBlastRadius,
				reason:      fmt.Sprintf("blast radius ceiling %d reached (%d targets held)", l.ceiling, len(l.holds)),
				escalatable: true,
			}
		}
	}

	res := &Reservation{ID: uuid.New().String(), IncidentID: req.IncidentID, Kind: req.Kind, Target: req.Target}
	if req.Risk.Write() {
		key := cooldownKey(req.Kind, req.Target)
		if last, ok := l.lastSuccess[key]; ok && l.cooldown > 0 {
			if age := l.now().Sub(last); age < l.cooldown {
				return reserveResult{
					gate:   GateCooldown,
					reason: fmt.Sprintf("%s on %s succeeded %s ago (cooldown %s)", req.Kind, req.Target, age.Round(time.Second), l.cooldown),
				}
			}
		}
		if _, busy := l.inflight[key]; busy {
			return reserveResult{
				gate:   GateCooldown,
				reason: fmt.Sprintf("identical %s on %s already in flight", req.Kind, req.Target),
			}
		}
		l.inflight[key] = res.ID
		res.CooldownKey = key
	}
	if counted {
		inc := l.holds[req.Target]
		if inc == nil {
			inc = make(map[string]int)
			l.holds[req.Target] = inc
		}
		inc[req.IncidentID]++
		res.Held = true
	}
	return reserveResult{res: res, gate: GateNone}
}

// Commit frees the cooldown slot. On success the window starts now.
func (l *Ledger) Commit(res *Reservation, success bool) {
	if res == nil || res.CooldownKey == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inflight[res.CooldownKey] == res.ID {
		delete(l.inflight, res.CooldownKey)
	}
	if success {
		l.lastSuccess[res.CooldownKey] = l.now()
	}
}

// Release drops the blast-radius hold and any uncommitted cooldown slot.
func (l *Ledger) Release(res *Reservation) {
	if res == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if res.CooldownKey != "" && l.inflight[res.CooldownKey] == res.ID {
		delete(l.inflight, res.CooldownKey)
	}
	if !res.Held {
		return
	}
	if inc := l.holds[res.Target]; inc != nil {
		inc[res.IncidentID]--
		if inc[res.IncidentID] <= 0 {
			delete(inc, res.IncidentID)
		}
		if len(inc) == 0 {
			delete(l.holds, res.Target)
		}
	}
}

// ReleaseIncident drops every hold owned by an incident.
func (l *Ledger) ReleaseIncident(incidentID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for target, inc := range l.holds {
		if _, ok := inc[incidentID]; ok {
			delete(inc, incidentID)
			n++
		}
		if len(inc) == 0 {
			delete(l.holds, target)
		}
	}
	return n
}

// Held returns the number of distinct targets currently held.
func (l *Ledger) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.holds)
}

// LedgerSnapshot is a point-in-time view for the status endpoints.
type LedgerSnapshot struct {
	Ceiling     int      `json:"ceiling"`
	Cooldown    string   `json:"cooldown"`
	HeldTargets []string `json:"held_targets"`
	InFlight    int      `json:"in_flight"`
}

func (l *Ledger) Snapshot() LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	held := make([]string, 0, len(l.holds))
	for t := range l.holds {
		held = append(held, t)
	}
	sort.Strings(held)
	return LedgerSnapshot{
		Ceiling:     l.ceiling,
		Cooldown:    l.cooldown.String(),
		HeldTargets: held,
		InFlight:    len(l.inflight),
	}
}
