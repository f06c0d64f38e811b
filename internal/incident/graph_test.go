package incident

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestCanTransition_Edges(t *testing.T) {
	allowed := [][2]Stage{
		{StageIntake, StageClassify},
		{StageClassify, StageRunbookSelect},
		{StageClassify, StageManualReview},
		{StageRunbookSelect, StagePlan},
		{StageRunbookSelect, StageManualReview},
		{StagePlan, StageGate},
		{StagePlan, StageManualReview},
		{StageGate, StageExecute},
		{StageExecute, StageVerify},
		{StageVerify, StageClose},
		{StageVerify, StageRollback},
		{StageRollback, StageGate},
		{StageRollback, StageFailed},
		{StageExecute, StageFailed},
	}
	for _, e := range allowed {
		if !CanTransition(e[0], e[1]) {
			t.Errorf("expected %s -> %s to be allowed", e[0], e[1])
		}
	}

	denied := [][2]Stage{
		{StageIntake, StageExecute},
		{StageGate, StageClose},
		{StageVerify, StageGate},
		{StageExecute, StageManualReview},
		{StageClose, StageFailed},
		{StageManualReview, StageClassify},
		{StageFailed, StageRollback},
	}
	for _, e := range denied {
		if CanTransition(e[0], e[1]) {
			t.Errorf("expected %s -> %s to be denied", e[0], e[1])
		}
	}
}

func TestAdvance_SingleRollbackCycle(t *testing.T) {
	inc := &Incident{Stage: StageIntake}
	now := time.Now()
	path := []Stage{StageClassify, StageRunbookSelect, StagePlan, StageGate, StageExecute, StageVerify, StageRollback, StageGate, StageExecute, StageVerify}
	for _, s := range path {
		if err := inc.Advance(s, "", now); err != nil {
			t.Fatalf("advance to %s: %v", s, err)
		}
	}
	err := inc.Advance(StageRollback, "second attempt", now)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected second rollback to be refused, got %v", err)
	}
	if err := inc.Advance(StageFailed, "rollback exhausted", now); err != nil {
		t.Fatalf("advance to failed: %v", err)
	}
	if inc.FailureReason != "rollback exhausted" || inc.ClosedAt == nil {
		t.Errorf("terminal bookkeeping missing: %+v", inc)
	}
	if got := len(inc.Visited()); got != len(path)+2 {
		t.Errorf("visited %d stages, want %d", got, len(path)+2)
	}
}

func TestAdvance_TerminalIsImmutable(t *testing.T) {
	inc := &Incident{Stage: StageIntake}
	now := time.Now()
	_ = inc.Advance(StageClassify, "", now)
	if err := inc.Advance(StageManualReview, "low confidence", now); err != nil {
		t.Fatal(err)
	}
	if err := inc.Advance(StageFailed, "", now); !errors.Is(err, ErrIncidentClosed) {
		t.Errorf("expected ErrIncidentClosed, got %v", err)
	}
	if err := inc.Update(now, func(i *Incident) { i.Type = "changed" }); !errors.Is(err, ErrIncidentClosed) {
		t.Errorf("expected Update to refuse, got %v", err)
	}
	if inc.Type == "changed" {
		t.Error("terminal incident was mutated")
	}
}

// rank orders stages along the forward direction of the graph.
func rank(s Stage) int {
	switch s {
	case StageRollback:
		return int(StageVerify) + 1
	case StageClose, StageFailed, StageManualReview:
		return 100
	}
	return int(s)
}

func TestAdvance_RandomWalksAreMonotone(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for walk := 0; walk < 500; walk++ {
		inc := &Incident{Stage: StageIntake}
		for steps := 0; steps < 50 && !inc.Stage.Terminal(); steps++ {
			next := Successors(inc.Stage)
			to := next[rng.Intn(len(next))]
			_ = inc.Advance(to, "", time.Time{})
		}

		back := 0
		for _, tr := range inc.History {
			if rank(tr.To) < rank(tr.From) {
				if tr.From != StageRollback || tr.To != StageGate {
					t.Fatalf("walk %d moved backwards %s -> %s", walk, tr.From, tr.To)
				}
				back++
			}
		}
		if back > 1 {
			t.Fatalf("walk %d took %d rollback cycles", walk, back)
		}
	}
}

func TestStageJSON(t *testing.T) {
	for s := StageIntake; s <= StageManualReview; s++ {
		data, err := s.MarshalJSON()
		if err != nil {
			t.Fatal(err)
		}
		var back Stage
		if err := back.UnmarshalJSON(data); err != nil || back != s {
			t.Errorf("%s round-tripped to %s (%v)", s, back, err)
		}
	}
	var s Stage
	if err := s.UnmarshalJSON([]byte(`"nowhere"`)); err == nil {
		t.Error("expected error for unknown stage")
	}
}
