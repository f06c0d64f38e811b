package runbook

import (
	"encoding/json"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Predicate is a compiled boolean expression. Preconditions are evaluated
// over an incident environment; postconditions over the state an adapter
// probe reports after execution.
type Predicate struct {
	Source  string
	program *vm.Program
}

func CompilePredicate(src string) (*Predicate, error) {
	program, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compiling %q: %w", src, err)
	}
	return &Predicate{Source: src, program: program}, nil
}

// MustPredicate panics when src does not compile. Only for constants.
func MustPredicate(src string) *Predicate {
	p, err := CompilePredicate(src)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Predicate) Eval(env map[string]any) (bool, error) {
	out, err := expr.Run(p.program, env)
	if err != nil {
		return false, fmt.Errorf("evaluating %q: %w", p.Source, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("predicate %q returned %T, want bool", p.Source, out)
	}
	return b, nil
}

func (p *Predicate) String() string { return p.Source }

func (p *Predicate) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Source)
}
