package runbook

import (
	"fmt"
	"strings"
	"time"
)

// ActionKind identifies what an action does to its target. The set is closed:
// a runbook naming any other kind fails to load.
type ActionKind string

const (
	KindGatherContext     ActionKind = "gather_context"
	KindNotify            ActionKind = "notify"
	KindBlockIP           ActionKind = "block_ip"
	KindUnblockIP         ActionKind = "unblock_ip"
	KindKillProcess       ActionKind = "kill_process"
	KindQuarantineFile    ActionKind = "quarantine_file"
	KindRestoreFile       ActionKind = "restore_file"
	KindIsolateHost       ActionKind = "isolate_host"
	KindReleaseHost       ActionKind = "release_host"
	KindDisableAccount    ActionKind = "disable_account"
	KindEnableAccount     ActionKind = "enable_account"
	KindResetCredential   ActionKind = "reset_credential"
	KindRestoreCredential ActionKind = "restore_credential"
)

type kindTraits struct {
	risk       RiskClass
	counted    bool
	disruptive bool
	// compensates is the kind this one undoes, if it is a compensating kind.
	compensates ActionKind
}

var kinds = map[ActionKind]kindTraits{
	KindGatherContext:     {risk: RiskReadOnly},
	KindNotify:            {risk: RiskReadOnly},
	KindBlockIP:           {risk: RiskWriteLimited, counted: true},
	KindUnblockIP:         {risk: RiskWriteLimited, compensates: KindBlockIP},
	KindKillProcess:       {risk: RiskWriteLimited, disruptive: true},
	KindQuarantineFile:    {risk: RiskWriteLimited},
	KindRestoreFile:       {risk: RiskWriteLimited, compensates: KindQuarantineFile},
	KindIsolateHost:       {risk: RiskWriteCritical, counted: true, disruptive: true},
	KindReleaseHost:       {risk: RiskWriteLimited, compensates: KindIsolateHost},
	KindDisableAccount:    {risk: RiskWriteCritical, counted: true, disruptive: true},
	KindEnableAccount:     {risk: RiskWriteLimited, compensates: KindDisableAccount},
	KindResetCredential:   {risk: RiskWriteCritical, disruptive: true},
	KindRestoreCredential: {risk: RiskWriteLimited, compensates: KindResetCredential},
}

// Kinds returns every known action kind.
func Kinds() []ActionKind {
	out := make([]ActionKind, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	return out
}

func (k ActionKind) Known() bool {
	_, ok := kinds[k]
	return ok
}

// DefaultRisk is the lowest risk class an action of this kind may declare.
func (k ActionKind) DefaultRisk() RiskClass { return kinds[k].risk }

// BlastCounted reports whether a target acted on by this kind counts toward
// the blast-radius ceiling.
func (k ActionKind) BlastCounted() bool { return kinds[k].counted }

// Disruptive kinds take a critical asset out of service or lock out its users.
func (k ActionKind) Disruptive() bool { return kinds[k].disruptive }

// Compensates returns the kind this compensating kind undoes.
func (k ActionKind) Compensates() (ActionKind, bool) {
	c := kinds[k].compensates
	return c, c != ""
}

// RiskClass orders actions by how much they can change.
type RiskClass int

const (
	RiskReadOnly RiskClass = iota
	RiskWriteLimited
	RiskWriteCritical
)

var riskNames = map[RiskClass]string{
	RiskReadOnly:      "read-only",
	RiskWriteLimited:  "write-limited",
	RiskWriteCritical: "write-critical",
}

func (r RiskClass) String() string {
	if n, ok := riskNames[r]; ok {
		return n
	}
	return "unknown"
}

// Write reports whether the class can change the environment.
func (r RiskClass) Write() bool { return r > RiskReadOnly }

func ParseRiskClass(s string) (RiskClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read-only", "readonly", "read_only":
		return RiskReadOnly, nil
	case "write-limited", "write_limited":
		return RiskWriteLimited, nil
	case "write-critical", "write_critical":
		return RiskWriteCritical, nil
	}
	return RiskReadOnly, fmt.Errorf("unknown risk class %q", s)
}

func (r RiskClass) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RiskClass) UnmarshalText(b []byte) error {
	v, err := ParseRiskClass(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// TargetRule says which incident attribute an action is aimed at.
type TargetRule string

const (
	// TargetHosts fans the action out over every target asset of the incident.
	TargetHosts    TargetRule = "hosts"
	TargetSource   TargetRule = "source"
	TargetUser     TargetRule = "user"
	TargetIncident TargetRule = "incident"
)

func (t TargetRule) valid() bool {
	switch t {
	case TargetHosts, TargetSource, TargetUser, TargetIncident:
		return true
	}
	return false
}

// defaultTarget picks the natural target for a kind when a runbook omits one.
func defaultTarget(k ActionKind) TargetRule {
	switch k {
	case KindBlockIP, KindUnblockIP:
		return TargetSource
	case KindDisableAccount, KindEnableAccount, KindResetCredential, KindRestoreCredential:
		return TargetUser
	case KindNotify:
		return TargetIncident
	}
	return TargetHosts
}

// ActionSpec is one step of a runbook. Specs are read-only once the registry
// has loaded them.
type ActionSpec struct {
	Name          string        `json:"name"`
	Kind          ActionKind    `json:"kind"`
	Risk          RiskClass     `json:"risk"`
	Rollback      string        `json:"rollback,omitempty"`
	Target        TargetRule    `json:"target"`
	Params        Params        `json:"params"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	Postcondition *Predicate    `json:"postcondition,omitempty"`
}

// DefaultPostcondition holds when the adapter reports the action's effect in place.
const DefaultPostcondition = "state.applied == true"
