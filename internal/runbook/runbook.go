package runbook

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Runbook is an ordered response procedure for one or more incident types.
type Runbook struct {
	ID                string                `json:"id"`
	Version           string                `json:"version"`
	Name              string                `json:"name"`
	Description       string                `json:"description,omitempty"`
	IncidentTypes     []string              `json:"incident_types"`
	Preconditions     []*Predicate          `json:"preconditions,omitempty"`
	Actions           []ActionSpec          `json:"actions"`
	RollbackActions   map[string]ActionSpec `json:"rollback_actions,omitempty"`
	EstimatedDuration time.Duration         `json:"estimated_duration,omitempty"`
	Source            string                `json:"source"`
}

// RollbackFor returns the compensating action declared for spec.
func (rb *Runbook) RollbackFor(spec ActionSpec) (ActionSpec, bool) {
	if spec.Rollback == "" {
		return ActionSpec{}, false
	}
	a, ok := rb.RollbackActions[spec.Rollback]
	return a, ok
}

// CheckPreconditions evaluates every precondition against env. It returns the
// source of the first predicate that does not hold.
func (rb *Runbook) CheckPreconditions(env map[string]any) (bool, string, error) {
	for _, p := range rb.Preconditions {
		ok, err := p.Eval(env)
		if err != nil {
			return false, p.Source, err
		}
		if !ok {
			return false, p.Source, nil
		}
	}
	return true, "", nil
}

// ConfigError is a fatal runbook loading error.
type ConfigError struct {
	Source  string
	Runbook string
	Action  string
	Err     error
}

func (e *ConfigError) Error() string {
	msg := "runbook config"
	if e.Source != "" {
		msg += " " + e.Source
	}
	if e.Runbook != "" {
		msg += ": runbook " + e.Runbook
	}
	if e.Action != "" {
		msg += ": action " + e.Action
	}
	return msg + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

type catalogYAML struct {
	CatalogVersion string        `yaml:"catalog_version"`
	Runbooks       []runbookYAML `yaml:"runbooks"`
}

type runbookYAML struct {
	ID                string        `yaml:"id"`
	Version           string        `yaml:"version"`
	Name              string        `yaml:"name"`
	Description       string        `yaml:"description"`
	IncidentTypes     []string      `yaml:"incident_types"`
	Preconditions     []string      `yaml:"preconditions"`
	Actions           []actionYAML  `yaml:"actions"`
	RollbackActions   []actionYAML  `yaml:"rollback_actions"`
	EstimatedDuration time.Duration `yaml:"estimated_duration"`
}

type actionYAML struct {
	Name          string        `yaml:"name"`
	Kind          string        `yaml:"kind"`
	Risk          string        `yaml:"risk"`
	Rollback      string        `yaml:"rollback"`
	Target        string        `yaml:"target"`
	Params        yaml.Node     `yaml:"params"`
	Timeout       time.Duration `yaml:"timeout"`
	Postcondition string        `yaml:"postcondition"`
}

// Parse decodes a catalog document (a `runbooks:` list, or a single runbook at
// the top level) and validates every runbook in it. Warnings are non-fatal
// findings such as a write-limited action without a rollback.
func Parse(data []byte, source string) (version string, out []*Runbook, warnings []string, err error) {
	var cat catalogYAML
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return "", nil, nil, &ConfigError{Source: source, Err: err}
	}
	docs := cat.Runbooks
	if len(docs) == 0 {
		var single runbookYAML
		if err := yaml.Unmarshal(data, &single); err != nil {
			return "", nil, nil, &ConfigError{Source: source, Err: err}
		}
		if single.ID == "" {
			return "", nil, nil, &ConfigError{Source: source, Err: errors.New("no runbooks defined")}
		}
		docs = []runbookYAML{single}
	}

	seen := make(map[string]bool, len(docs))
	for _, doc := range docs {
		if seen[doc.ID] {
			return "", nil, nil, &ConfigError{Source: source, Runbook: doc.ID, Err: errors.New("duplicate runbook id")}
		}
		seen[doc.ID] = true
		rb, w, err := build(doc, source)
		if err != nil {
			return "", nil, nil, err
		}
		warnings = append(warnings, w...)
		out = append(out, rb)
	}
	return cat.CatalogVersion, out, warnings, nil
}

func build(doc runbookYAML, source string) (*Runbook, []string, error) {
	fail := func(action string, err error) (*Runbook, []string, error) {
		return nil, nil, &ConfigError{Source: source, Runbook: doc.ID, Action: action, Err: err}
	}
	if doc.ID == "" {
		return fail("", errors.New("missing id"))
	}
	if len(doc.Actions) == 0 {
		return fail("", errors.New("runbook has no actions"))
	}

	rb := &Runbook{
		ID:                doc.ID,
		Version:           doc.Version,
		Name:              doc.Name,
		Description:       doc.Description,
		IncidentTypes:     doc.IncidentTypes,
		Actions:           make([]ActionSpec, 0, len(doc.Actions)),
		RollbackActions:   make(map[string]ActionSpec, len(doc.RollbackActions)),
		EstimatedDuration: doc.EstimatedDuration,
		Source:            source,
	}
	if rb.Name == "" {
		rb.Name = rb.ID
	}
	if rb.Version == "" {
		rb.Version = "1"
	}

	for _, src := range doc.Preconditions {
		p, err := CompilePredicate(src)
		if err != nil {
			return fail("", fmt.Errorf("precondition: %w", err))
		}
		rb.Preconditions = append(rb.Preconditions, p)
	}

	for _, ay := range doc.RollbackActions {
		spec, err := buildAction(ay)
		if err != nil {
			return fail(ay.Name, err)
		}
		if _, ok := spec.Kind.Compensates(); !ok {
			return fail(ay.Name, fmt.Errorf("rollback action kind %s does not compensate any action kind", spec.Kind))
		}
		if spec.Rollback != "" {
			return fail(ay.Name, errors.New("rollback actions cannot declare their own rollback"))
		}
		if _, dup := rb.RollbackActions[spec.Name]; dup {
			return fail(ay.Name, errors.New("duplicate rollback action name"))
		}
		rb.RollbackActions[spec.Name] = spec
	}

	var warnings []string
	names := make(map[string]bool, len(doc.Actions))
	for _, ay := range doc.Actions {
		spec, err := buildAction(ay)
		if err != nil {
			return fail(ay.Name, err)
		}
		if names[spec.Name] {
			return fail(spec.Name, errors.New("duplicate action name"))
		}
		names[spec.Name] = true

		if spec.Rollback != "" {
			rbSpec, ok := rb.RollbackActions[spec.Rollback]
			if !ok {
				return fail(spec.Name, fmt.Errorf("unknown rollback action %q", spec.Rollback))
			}
			if undoes, _ := rbSpec.Kind.Compensates(); undoes != spec.Kind {
				return fail(spec.Name, fmt.Errorf("rollback %q (%s) does not compensate %s", rbSpec.Name, rbSpec.Kind, spec.Kind))
			}
		} else {
			switch spec.Risk {
			case RiskWriteCritical:
				return fail(spec.Name, errors.New("write-critical action requires a rollback"))
			case RiskWriteLimited:
				warnings = append(warnings, fmt.Sprintf("%s: runbook %s: action %s: write-limited action has no rollback", source, rb.ID, spec.Name))
			}
		}
		rb.Actions = append(rb.Actions, spec)
	}
	return rb, warnings, nil
}

func buildAction(ay actionYAML) (ActionSpec, error) {
	if ay.Name == "" {
		return ActionSpec{}, errors.New("missing action name")
	}
	kind := ActionKind(ay.Kind)
	if !kind.Known() {
		return ActionSpec{}, fmt.Errorf("unknown action kind %q", ay.Kind)
	}
	spec := ActionSpec{
		Name:     ay.Name,
		Kind:     kind,
		Risk:     kind.DefaultRisk(),
		Rollback: ay.Rollback,
		Target:   TargetRule(ay.Target),
		Timeout:  ay.Timeout,
	}
	if ay.Risk != "" {
		risk, err := ParseRiskClass(ay.Risk)
		if err != nil {
			return ActionSpec{}, err
		}
		if risk < spec.Risk {
			return ActionSpec{}, fmt.Errorf("risk %s is below the %s default of %s", risk, kind, spec.Risk)
		}
		spec.Risk = risk
	}
	if spec.Target == "" {
		spec.Target = defaultTarget(kind)
	}
	if !spec.Target.valid() {
		return ActionSpec{}, fmt.Errorf("unknown target rule %q", ay.Target)
	}
	if spec.Timeout < 0 {
		return ActionSpec{}, errors.New("timeout must not be negative")
	}
	params, err := decodeParams(kind, &ay.Params)
	if err != nil {
		return ActionSpec{}, err
	}
	spec.Params = params
	if ay.Postcondition != "" {
		p, err := CompilePredicate(ay.Postcondition)
		if err != nil {
			return ActionSpec{}, fmt.Errorf("postcondition: %w", err)
		}
		spec.Postcondition = p
	}
	return spec, nil
}
