package incident

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Severity represents the severity level of an incident. The zero value is
// unknown, which is also what an absent severity hint decodes to.
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity accepts the lower- or upper-case level names plus the common
// "info" and "sevN" spellings used by detection tools.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "info", "informational", "sev4":
		return SeverityLow
	case "medium", "moderate", "sev3":
		return SeverityMedium
	case "high", "sev2":
		return SeverityHigh
	case "critical", "sev1":
		return SeverityCritical
	default:
		return SeverityUnknown
	}
}

// Raise returns the next level up, capped at critical. Unknown stays unknown.
func (s Severity) Raise() Severity {
	if s == SeverityUnknown || s >= SeverityCritical {
		return s
	}
	return s + 1
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseSeverity(str)
	return nil
}

func (s *Severity) UnmarshalYAML(node *yaml.Node) error {
	*s = ParseSeverity(node.Value)
	return nil
}

func (s Severity) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// DetectionEvent is a raw detection as submitted by a SIEM, EDR or analyst.
type DetectionEvent struct {
	ID             string    `json:"id,omitempty"`
	TypeHint       string    `json:"type_hint,omitempty"`
	Description    string    `json:"description,omitempty"`
	Source         string    `json:"source,omitempty"`
	Target         string    `json:"target,omitempty"`
	Targets        []string  `json:"targets,omitempty"`
	User           string    `json:"user,omitempty"`
	SeverityHint   Severity  `json:"severity_hint,omitempty"`
	TechniqueHints []string  `json:"technique_hints,omitempty"`
	ObservedAt     time.Time `json:"observed_at,omitempty"`
}

// Malformed reports why an event cannot be classified: it names neither a
// source nor a target, or it has neither a type hint nor a description.
func (e DetectionEvent) Malformed() (bool, string) {
	if strings.TrimSpace(e.Source) == "" && len(e.AllTargets()) == 0 {
		return true, "event has no source and no target"
	}
	if strings.TrimSpace(e.TypeHint) == "" && strings.TrimSpace(e.Description) == "" {
		return true, "event has no type hint and no description"
	}
	return false, ""
}

// AllTargets returns the sorted, de-duplicated set of target host ids.
func (e DetectionEvent) AllTargets() []string {
	raw := append([]string{e.Target}, e.Targets...)
	return sortedSet(raw, strings.TrimSpace)
}

func sortedSet(in []string, norm func(string) string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = norm(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
