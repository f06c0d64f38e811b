package approval

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/1sec-project/warden/internal/gate"
	"github.com/1sec-project/warden/internal/runbook"
)

// ---------------------------------------------------------------------------
// approval.go: quorum requests for actions the safety gates hold back.
//
// A request names the roles that must sign off and how many distinct people
// must approve. One rejection by an eligible approver ends it; so does the
// TTL. The incident goroutine that submitted it blocks in Await until then.
// ---------------------------------------------------------------------------

var (
	ErrNotFound          = errors.New("approval request not found")
	ErrNotPending        = errors.New("approval request is not pending")
	ErrNotEligible       = errors.New("approver holds none of the required roles")
	ErrDuplicateApprover = errors.New("approver has already approved this request")
)

type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateRejected State = "rejected"
	StateExpired  State = "expired"
)

// Identity is an authenticated approver.
type Identity struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

func (id Identity) Has(role string) bool { return slices.Contains(id.Roles, role) }

// Signoff is one recorded approval. Roles holds every required role the
// approver could sign as; Role is the one their sign-off currently covers.
type Signoff struct {
	Approver string    `json:"approver"`
	Role     string    `json:"role"`
	Roles    []string  `json:"roles,omitempty"`
	At       time.Time `json:"at"`
}

// Spec is what the orchestrator submits for an approval-required decision.
type Spec struct {
	IncidentID    string
	CorrelationID string
	ActionIndex   int
	ActionName    string
	Kind          runbook.ActionKind
	Target        string
	Risk          runbook.RiskClass
	Gate          gate.GateName
	Reason        string
	Roles         []string
	Count         int
}

// Request is an approval request and its resolution.
type Request struct {
	ID            string             `json:"id"`
	IncidentID    string             `json:"incident_id"`
	CorrelationID string             `json:"correlation_id"`
	ActionIndex   int                `json:"action_index"`
	ActionName    string             `json:"action"`
	Kind          runbook.ActionKind `json:"kind"`
	Target        string             `json:"target"`
	Risk          runbook.RiskClass  `json:"risk"`
	Gate          gate.GateName      `json:"gate"`
	Reason        string             `json:"reason"`
	RequiredRoles []string           `json:"required_roles"`
	RequiredCount int                `json:"required_count"`
	Approvals     []Signoff          `json:"approvals"`
	State         State              `json:"state"`
	Resolution    string             `json:"resolution,omitempty"`
	DecidedBy     string             `json:"decided_by,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	ExpiresAt     time.Time          `json:"expires_at"`
	ResolvedAt    *time.Time         `json:"resolved_at,omitempty"`

	rev uint64
}

// canCover falls back to Role for sign-offs persisted without Roles.
func (s Signoff) canCover(role string) bool {
	if len(s.Roles) == 0 {
		return s.Role == role
	}
	return slices.Contains(s.Roles, role)
}

func (r *Request) Clone() *Request {
	out := *r
	out.RequiredRoles = append([]string(nil), r.RequiredRoles...)
	out.Approvals = append([]Signoff(nil), r.Approvals...)
	for i := range out.Approvals {
		out.Approvals[i].Roles = append([]string(nil), r.Approvals[i].Roles...)
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

func (r *Request) hasApprover(id string) bool {
	for _, a := range r.Approvals {
		if a.Approver == id {
			return true
		}
	}
	return false
}

// eligibleRoles lists the required roles who holds, in request order.
func (r *Request) eligibleRoles(who Identity) []string {
	var out []string
	for _, role := range r.RequiredRoles {
		if who.Has(role) {
			out = append(out, role)
		}
	}
	return out
}

// assign matches required roles to distinct sign-offs. It returns, per
// sign-off, the role it covers ("" when it covers none) and whether every
// required role is covered. Requests carry two or three roles, so a
// backtracking search is enough.
func (r *Request) assign() ([]string, bool) {
	cover := make([]string, len(r.Approvals))
	var try func(i int) bool
	try = func(i int) bool {
		if i == len(r.RequiredRoles) {
			return true
		}
		role := r.RequiredRoles[i]
		for j, s := range r.Approvals {
			if cover[j] != "" || !s.canCover(role) {
				continue
			}
			cover[j] = role
			if try(i + 1) {
				return true
			}
			cover[j] = ""
		}
		return false
	}
	if try(0) {
		return cover, true
	}
	// No full matching: report a greedy partial one for display.
	for j := range cover {
		cover[j] = ""
	}
	for _, role := range r.RequiredRoles {
		for j, s := range r.Approvals {
			if cover[j] == "" && s.canCover(role) {
				cover[j] = role
				break
			}
		}
	}
	return cover, false
}

// relabel sets each sign-off's Role to the role it currently covers, or its
// first eligible role when it covers none.
func (r *Request) relabel() {
	cover, _ := r.assign()
	for j := range r.Approvals {
		switch {
		case cover[j] != "":
			r.Approvals[j].Role = cover[j]
		case len(r.Approvals[j].Roles) > 0:
			r.Approvals[j].Role = r.Approvals[j].Roles[0]
		}
	}
}

// QuorumMet reports whether every required role can be covered by a distinct
// approver and the approver count is reached.
func (r *Request) QuorumMet() bool {
	if len(r.Approvals) < r.RequiredCount {
		return false
	}
	_, ok := r.assign()
	return ok
}

// Store persists approval requests across restarts.
type Store interface {
	SaveApproval(ctx context.Context, r *Request) error
	ListApprovals(ctx context.Context, state State) ([]*Request, error)
}

// Notifier tells approvers a decision is waiting.
type Notifier interface {
	NotifyPending(r *Request)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(r *Request)

func (f NotifierFunc) NotifyPending(r *Request) { f(r) }
