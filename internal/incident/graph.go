package incident

import (
	"encoding/json"
	"fmt"
)

// Stage is a node of the decision graph every incident traverses.
type Stage int

const (
	StageIntake Stage = iota
	StageClassify
	StageRunbookSelect
	StagePlan
	StageGate
	StageExecute
	StageVerify
	StageRollback
	StageClose
	StageFailed
	StageManualReview
)

var stageNames = [...]string{
	StageIntake:        "intake",
	StageClassify:      "classify",
	StageRunbookSelect: "runbook_select",
	StagePlan:          "plan",
	StageGate:          "gate",
	StageExecute:       "execute",
	StageVerify:        "verify",
	StageRollback:      "rollback",
	StageClose:         "close",
	StageFailed:        "failed",
	StageManualReview:  "manual_review",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

func ParseStage(name string) (Stage, error) {
	for i, n := range stageNames {
		if n == name {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

func (s Stage) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Stage) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, err := ParseStage(name)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Terminal stages accept no further transitions.
func (s Stage) Terminal() bool {
	return s == StageClose || s == StageFailed || s == StageManualReview
}

// edges is the compiled-in topology. Every non-terminal stage may also move
// to failed; that edge is implied rather than listed.
var edges = map[Stage][]Stage{
	StageIntake:        {StageClassify},
	StageClassify:      {StageRunbookSelect, StageManualReview},
	StageRunbookSelect: {StagePlan, StageManualReview},
	StagePlan:          {StageGate, StageManualReview},
	StageGate:          {StageExecute},
	StageExecute:       {StageVerify},
	StageVerify:        {StageClose, StageRollback},
	StageRollback:      {StageGate},
}

// CanTransition reports whether from→to is an edge of the decision graph.
// It does not enforce the single rollback cycle; Incident.Advance does.
func CanTransition(from, to Stage) bool {
	if from.Terminal() {
		return false
	}
	if to == StageFailed {
		return true
	}
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Successors lists the stages reachable from s in one step.
func Successors(s Stage) []Stage {
	if s.Terminal() {
		return nil
	}
	out := append([]Stage(nil), edges[s]...)
	return append(out, StageFailed)
}
