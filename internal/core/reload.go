package core

import (
	"fmt"
	"maps"
	"slices"

	"github.com/1sec-project/warden/internal/gate"
)

// ReloadConfig reloads the configuration from disk and applies the settings
// that can change without a restart. It returns what changed.
//
// Hot-reloadable:
//   - logging level
//   - gate limits, cooldown window and approval policy
//   - approval TTL
//   - operators, API keys, CORS origins
//   - critical assets
//   - action timeout and rollback backoff
//
// Everything else (server address, bus, storage, adapters, runbooks,
// classifier rules) needs a restart. The autonomy level in the file is a
// startup value; runtime changes go through the admin API.
func ReloadConfig(e *Engine, configPath string) ([]string, error) {
	if configPath == "" {
		return nil, fmt.Errorf("no config path set: cannot reload")
	}
	newCfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	warnings, err := newCfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	for _, w := range warnings {
		e.Logger.Warn().Msg(w)
	}

	old := e.Config()
	var changes []string

	if newCfg.LogLevel() != old.LogLevel() {
		SetLogLevel(newCfg.Logging.Level)
		changes = append(changes, "logging.level → "+newCfg.LogLevel())
	}
	if !sameGates(newCfg.Gates, old.Gates) {
		e.Gates.Reconfigure(newCfg.GateConfig())
		changes = append(changes, fmt.Sprintf("gates → ceiling %d, cooldown %s", newCfg.Gates.BlastRadiusCeiling, newCfg.Gates.Cooldown))
	}
	if newCfg.Approvals.TTL != old.Approvals.TTL {
		e.Approvals.SetTTL(newCfg.Approvals.TTL)
		changes = append(changes, "approvals.ttl → "+newCfg.Approvals.TTL.String())
	}
	if !slices.Equal(newCfg.Assets.Critical, old.Assets.Critical) || !maps.EqualFunc(newCfg.Assets.Tags, old.Assets.Tags, slices.Equal[[]string]) {
		if err := e.Assets.Update(newCfg.Assets); err != nil {
			return nil, fmt.Errorf("assets: %w", err)
		}
		changes = append(changes, fmt.Sprintf("assets.critical → %d patterns", len(newCfg.Assets.Critical)))
	}
	if newCfg.OrchestratorConfig() != old.OrchestratorConfig() {
		e.Orchestrator.SetConfig(newCfg.OrchestratorConfig())
		changes = append(changes, "execution timeouts reloaded")
	}
	if !slices.EqualFunc(newCfg.Auth.Operators, old.Auth.Operators, sameOperator) {
		changes = append(changes, fmt.Sprintf("auth.operators → %d operators", len(newCfg.Auth.Operators)))
	}
	if !slices.Equal(newCfg.Server.APIKeys, old.Server.APIKeys) {
		changes = append(changes, fmt.Sprintf("server.api_keys → %d keys", len(newCfg.Server.APIKeys)))
	}

	if newCfg.Server.Host != old.Server.Host || newCfg.Server.Port != old.Server.Port {
		changes = append(changes, "server address changed: restart required")
	}
	if newCfg.Bus != old.Bus || newCfg.Storage != old.Storage || newCfg.Execution.Mode != old.Execution.Mode {
		changes = append(changes, "bus, storage or execution mode changed: restart required")
	}

	// Keep the values the running components were built from.
	newCfg.Server.Host, newCfg.Server.Port = old.Server.Host, old.Server.Port
	newCfg.Server.RateLimit, newCfg.Server.RateBurst = old.Server.RateLimit, old.Server.RateBurst
	newCfg.Bus = old.Bus
	newCfg.Storage = old.Storage
	newCfg.Autonomy = old.Autonomy
	newCfg.Runbooks = old.Runbooks
	newCfg.Classifier = old.Classifier
	newCfg.Metrics = old.Metrics
	mode, fw, ep, id, nt := old.Execution.Mode, old.Execution.Firewall, old.Execution.Endpoint, old.Execution.Identity, old.Execution.Notify
	newCfg.Execution.Mode, newCfg.Execution.Firewall, newCfg.Execution.Endpoint = mode, fw, ep
	newCfg.Execution.Identity, newCfg.Execution.Notify = id, nt
	e.cfg.Store(newCfg)

	if len(changes) == 0 {
		changes = append(changes, "no changes detected")
	}
	e.Logger.Info().Strs("changes", changes).Msg("configuration reloaded")
	return changes, nil
}

func sameOperator(a, b Operator) bool {
	return a.Name == b.Name && a.PasswordHash == b.PasswordHash && slices.Equal(a.Roles, b.Roles)
}

func sameGates(a, b GatesConfig) bool {
	if a.BlastRadiusCeiling != b.BlastRadiusCeiling || a.EscalateOnExceed != b.EscalateOnExceed || a.Cooldown != b.Cooldown {
		return false
	}
	rule := func(x, y gate.ApprovalRule) bool { return x.Count == y.Count && slices.Equal(x.Roles, y.Roles) }
	return rule(a.Policy.Default, b.Policy.Default) &&
		rule(a.Policy.WriteCritical, b.Policy.WriteCritical) &&
		rule(a.Policy.CriticalAsset, b.Policy.CriticalAsset) &&
		rule(a.Policy.WriteCriticalOnCriticalAsset, b.Policy.WriteCriticalOnCriticalAsset)
}
