package gate

import "github.com/1sec-project/warden/internal/runbook"

// ApprovalRule names the roles that must each be covered by a distinct
// approver, and the minimum number of distinct approvers.
type ApprovalRule struct {
	Roles []string `yaml:"roles" json:"roles"`
	Count int      `yaml:"count" json:"count"`
}

func (r ApprovalRule) normalized() ApprovalRule {
	out := ApprovalRule{Roles: append([]string(nil), r.Roles...), Count: r.Count}
	if out.Count < len(out.Roles) {
		out.Count = len(out.Roles)
	}
	if out.Count < 1 {
		out.Count = 1
	}
	return out
}

// ApprovalPolicy derives quorum requirements from an action's risk class and
// the criticality of its target.
type ApprovalPolicy struct {
	Default                      ApprovalRule `yaml:"default"`
	WriteCritical                ApprovalRule `yaml:"write_critical"`
	CriticalAsset                ApprovalRule `yaml:"critical_asset"`
	WriteCriticalOnCriticalAsset ApprovalRule `yaml:"write_critical_on_critical_asset"`
}

func DefaultApprovalPolicy() ApprovalPolicy {
	return ApprovalPolicy{
		Default:                      ApprovalRule{Roles: []string{"analyst"}, Count: 1},
		WriteCritical:                ApprovalRule{Roles: []string{"incident_commander"}, Count: 1},
		CriticalAsset:                ApprovalRule{Roles: []string{"asset_owner"}, Count: 1},
		WriteCriticalOnCriticalAsset: ApprovalRule{Roles: []string{"incident_commander", "asset_owner"}, Count: 2},
	}
}

// For returns the rule that applies to an action.
func (p ApprovalPolicy) For(risk runbook.RiskClass, criticalAsset bool) ApprovalRule {
	switch {
	case risk == runbook.RiskWriteCritical && criticalAsset:
		return p.WriteCriticalOnCriticalAsset.normalized()
	case criticalAsset:
		return p.CriticalAsset.normalized()
	case risk == runbook.RiskWriteCritical:
		return p.WriteCritical.normalized()
	}
	return p.Default.normalized()
}

// Roles lists every role any rule of the policy can require.
func (p ApprovalPolicy) Roles() []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range []ApprovalRule{p.Default, p.WriteCritical, p.CriticalAsset, p.WriteCriticalOnCriticalAsset} {
		for _, role := range r.Roles {
			if !seen[role] {
				seen[role] = true
				out = append(out, role)
			}
		}
	}
	return out
}
