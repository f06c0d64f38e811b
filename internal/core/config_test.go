package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/1sec-project/warden/internal/gate"
)

// ─── DefaultConfig ──────────────────────────────────────────────────────────

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 1790 {
		t.Errorf("default Port = %d, want 1790", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("default driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.StartLevel() != gate.L1 {
		t.Errorf("default autonomy = %s, want L1", cfg.StartLevel())
	}
	if cfg.Execution.Mode != ModeSimulate {
		t.Errorf("default mode = %q, want simulate", cfg.Execution.Mode)
	}
	if cfg.Bus.Enabled {
		t.Error("bus should be disabled by default")
	}
	if cfg.Gates.Policy.WriteCriticalOnCriticalAsset.Count != 2 {
		t.Error("default policy should require two approvers for write-critical actions on critical assets")
	}
	if _, err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

// ─── LoadConfig ─────────────────────────────────────────────────────────────

func TestLoadConfig_EmptyPath_ReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig(\"\") error: %v", err)
	}
	if cfg.Server.Port != DefaultConfig().Server.Port {
		t.Errorf("Port = %d", cfg.Server.Port)
	}
}

func TestLoadConfig_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("driver = %q", cfg.Storage.Driver)
	}
}

func TestLoadConfig_ParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	yml := `
autonomy:
  level: L2
gates:
  blast_radius_ceiling: 3
  cooldown: 15m
  approval_policy:
    default: {roles: [analyst], count: 1}
    write_critical: {roles: [incident_commander], count: 1}
    critical_asset: {roles: [asset_owner], count: 1}
    write_critical_on_critical_asset: {roles: [incident_commander, asset_owner], count: 2}
approvals:
  ttl: 10m
assets:
  critical: ["dc-*"]
execution:
  action_timeout: 30s
classifier:
  rules:
    - type: beaconing
      aliases: [beacon]
      severity: high
      runbook: c2-containment
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.StartLevel() != gate.L2 {
		t.Errorf("level = %s", cfg.StartLevel())
	}
	if cfg.Gates.BlastRadiusCeiling != 3 || cfg.Gates.Cooldown != 15*time.Minute {
		t.Errorf("gates = %+v", cfg.Gates)
	}
	if cfg.Approvals.TTL != 10*time.Minute {
		t.Errorf("ttl = %s", cfg.Approvals.TTL)
	}
	if cfg.Execution.ActionTimeout != 30*time.Second {
		t.Errorf("action timeout = %s", cfg.Execution.ActionTimeout)
	}
	if len(cfg.Assets.Critical) != 1 || cfg.Assets.Critical[0] != "dc-*" {
		t.Errorf("assets = %+v", cfg.Assets)
	}
	if len(cfg.Classifier.Rules) != 1 || cfg.Classifier.Rules[0].Runbook != "c2-containment" {
		t.Errorf("rules = %+v", cfg.Classifier.Rules)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.Port != 1790 {
		t.Errorf("Port = %d", cfg.Server.Port)
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("server: [unclosed"), 0o600)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("WARDEN_API_KEY", "env-key")
	t.Setenv("WARDEN_JWT_SECRET", "env-secret")
	t.Setenv("WARDEN_DB_DSN", "postgres://warden@db/warden")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.ValidateAPIKey("env-key") {
		t.Error("API key from env not applied")
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Errorf("jwt secret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Storage.DSN != "postgres://warden@db/warden" {
		t.Errorf("dsn = %q", cfg.Storage.DSN)
	}
}

// ─── SaveConfig ─────────────────────────────────────────────────────────────

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yaml")
	cfg := DefaultConfig()
	cfg.Autonomy.Level = "L2"
	cfg.Gates.Cooldown = 5 * time.Minute
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.StartLevel() != gate.L2 || loaded.Gates.Cooldown != 5*time.Minute {
		t.Errorf("round trip lost values: level %s cooldown %s", loaded.StartLevel(), loaded.Gates.Cooldown)
	}
}

// ─── Validate ───────────────────────────────────────────────────────────────

func TestValidate_Errors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Driver = "postgres"
	cfg.Autonomy.Level = "L9"
	cfg.Gates.BlastRadiusCeiling = 0
	cfg.Execution.Mode = "yolo"
	cfg.Classifier.ConfidenceFloor = 1.5

	_, err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"storage.dsn", "autonomy.level", "blast_radius_ceiling", "execution.mode", "confidence_floor"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err, want)
		}
	}
}

func TestValidate_Operators(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.Auth.Operators = []Operator{
		{Name: "alice", PasswordHash: string(hash), Roles: []string{"incident_commander"}},
		{Name: "bob", PasswordHash: "plaintext", Roles: []string{"asset_owner"}},
	}

	_, err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "bcrypt") || !strings.Contains(err.Error(), "jwt_secret") {
		t.Fatalf("expected bcrypt and jwt_secret errors, got %v", err)
	}

	cfg.Auth.Operators[1].PasswordHash = string(hash)
	cfg.Auth.JWTSecret = "short"
	warnings, err := cfg.Validate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	joined := strings.Join(warnings, "\n")
	if !strings.Contains(joined, "shorter than 32 bytes") {
		t.Errorf("missing short secret warning: %v", warnings)
	}
	if !strings.Contains(joined, `"analyst"`) {
		t.Errorf("missing unstaffed analyst role warning: %v", warnings)
	}
}

func TestRoleStaffed(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.RoleStaffed("asset_owner") {
		t.Error("without operators every role counts as staffed")
	}
	cfg.Auth.Operators = []Operator{{Name: "alice", Roles: []string{"incident_commander"}}}
	if cfg.RoleStaffed("asset_owner") {
		t.Error("asset_owner is held by nobody")
	}
	if !cfg.RoleStaffed("incident_commander") {
		t.Error("incident_commander is held by alice")
	}
}

func TestValidateAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.APIKeys = []string{"key-one", "key-two"}
	if !cfg.ValidateAPIKey("key-two") {
		t.Error("key-two should be valid")
	}
	if cfg.ValidateAPIKey("key-three") || cfg.ValidateAPIKey("") {
		t.Error("unknown keys must be rejected")
	}
	if !cfg.AuthEnabled() {
		t.Error("auth should be enabled with keys configured")
	}
}

func TestSampleConfig_IsValid(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "configs", "warden.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	def := DefaultConfig()
	if cfg.Server.Port != def.Server.Port || cfg.Execution.Mode != ModeSimulate {
		t.Errorf("sample drifted from defaults: port=%d mode=%s", cfg.Server.Port, cfg.Execution.Mode)
	}
	if cfg.Approvals.TTL != 30*time.Minute || cfg.Gates.Cooldown != time.Hour {
		t.Errorf("durations not parsed: ttl=%v cooldown=%v", cfg.Approvals.TTL, cfg.Gates.Cooldown)
	}
	if cfg.Gates.Policy.WriteCriticalOnCriticalAsset.Count != 2 {
		t.Errorf("approval policy = %+v", cfg.Gates.Policy)
	}
	if _, err := cfg.Validate(); err != nil {
		t.Errorf("sample config invalid: %v", err)
	}
}
