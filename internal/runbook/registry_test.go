package runbook

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestBuiltinCatalog_Loads(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	if err := r.LoadBuiltin(); err != nil {
		t.Fatalf("LoadBuiltin: %v", err)
	}
	if r.Len() != 10 {
		t.Errorf("expected 10 built-in runbooks, got %d", r.Len())
	}
	if r.Version() != "2026.10" {
		t.Errorf("catalog version = %q", r.Version())
	}

	rb, ok := r.Lookup("malware-containment")
	if !ok {
		t.Fatal("malware-containment not registered")
	}
	if len(rb.Actions) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(rb.Actions))
	}
	iso := rb.Actions[1]
	if iso.Kind != KindIsolateHost || iso.Risk != RiskWriteCritical {
		t.Errorf("unexpected isolate action: %+v", iso)
	}
	if iso.Timeout != 45*time.Second {
		t.Errorf("timeout = %v", iso.Timeout)
	}
	p, ok := iso.Params.(IsolateHostParams)
	if !ok || !p.AllowManagement {
		t.Errorf("params = %#v", iso.Params)
	}
	back, ok := rb.RollbackFor(iso)
	if !ok || back.Kind != KindReleaseHost {
		t.Errorf("rollback = %+v, %v", back, ok)
	}
	if rb.Actions[2].Target != TargetIncident {
		t.Errorf("notify default target = %q", rb.Actions[2].Target)
	}
}

func TestBuiltinCatalog_EveryWriteCriticalHasRollback(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	if err := r.LoadBuiltin(); err != nil {
		t.Fatal(err)
	}
	for _, rb := range r.All() {
		for _, a := range rb.Actions {
			if a.Risk == RiskWriteCritical {
				if _, ok := rb.RollbackFor(a); !ok {
					t.Errorf("%s/%s has no rollback", rb.ID, a.Name)
				}
			}
		}
	}
}

func TestForType(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	if err := r.LoadBuiltin(); err != nil {
		t.Fatal(err)
	}
	rb, ok := r.ForType("brute_force")
	if !ok || rb.ID != "brute-force-block" {
		t.Errorf("ForType(brute_force) = %v, %v", rb, ok)
	}
	if _, ok := r.ForType("nonexistent"); ok {
		t.Error("expected miss for unknown type")
	}
}

func loadErr(t *testing.T, doc string) error {
	t.Helper()
	r := NewRegistry(zerolog.Nop())
	err := r.LoadBytes([]byte(doc), "test.yaml")
	if err == nil {
		t.Fatalf("expected load error for:\n%s", doc)
	}
	if !IsConfigError(err) {
		t.Fatalf("expected *ConfigError, got %T: %v", err, err)
	}
	if r.Len() != 0 {
		t.Errorf("registry should stay empty after a failed load, has %d", r.Len())
	}
	return err
}

func TestLoad_UnknownKind(t *testing.T) {
	err := loadErr(t, `
id: bad
actions:
  - name: wipe
    kind: wipe_disk
`)
	if !strings.Contains(err.Error(), "unknown action kind") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_WriteCriticalWithoutRollback(t *testing.T) {
	err := loadErr(t, `
id: no-rollback
actions:
  - name: isolate
    kind: isolate_host
`)
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Action != "isolate" || ce.Runbook != "no-rollback" {
		t.Errorf("unexpected error context: %v", err)
	}
}

func TestLoad_RiskBelowDefault(t *testing.T) {
	loadErr(t, `
id: lowered
actions:
  - name: isolate
    kind: isolate_host
    risk: read-only
    rollback: release
rollback_actions:
  - name: release
    kind: release_host
`)
}

func TestLoad_RollbackMustCompensate(t *testing.T) {
	err := loadErr(t, `
id: mismatch
actions:
  - name: isolate
    kind: isolate_host
    rollback: enable
rollback_actions:
  - name: enable
    kind: enable_account
`)
	if !strings.Contains(err.Error(), "does not compensate") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_UnknownRollbackReference(t *testing.T) {
	loadErr(t, `
id: dangling
actions:
  - name: block
    kind: block_ip
    rollback: missing
`)
}

func TestLoad_InvalidParams(t *testing.T) {
	loadErr(t, `
id: params
actions:
  - name: block
    kind: block_ip
    params:
      direction: sideways
`)
	loadErr(t, `
id: params
actions:
  - name: quarantine
    kind: quarantine_file
    params:
      path: relative/path
`)
	loadErr(t, `
id: params
actions:
  - name: notify
    kind: notify
    params: [not, a, mapping]
`)
}

func TestLoad_BadPredicate(t *testing.T) {
	loadErr(t, `
id: pred
preconditions:
  - "len(targets) >"
actions:
  - name: triage
    kind: gather_context
`)
}

func TestLoad_DuplicateNames(t *testing.T) {
	loadErr(t, `
id: dup
actions:
  - name: triage
    kind: gather_context
  - name: triage
    kind: notify
`)
	loadErr(t, `
runbooks:
  - id: same
    actions: [{name: a, kind: notify}]
  - id: same
    actions: [{name: a, kind: notify}]
`)
}

func TestLoad_WriteLimitedWithoutRollbackIsWarning(t *testing.T) {
	_, rbs, warnings, err := Parse([]byte(`
id: kill
actions:
  - name: kill
    kind: kill_process
    params:
      process: evil.exe
      signal: KILL
`), "kill.yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rbs) != 1 {
		t.Fatalf("expected 1 runbook, got %d", len(rbs))
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "no rollback") {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestLoadDir_OverridesBuiltinButNotFiles(t *testing.T) {
	dir := t.TempDir()
	override := `
id: recon-monitor
version: "9"
actions:
  - name: notify-soc
    kind: notify
`
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(override), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(zerolog.Nop())
	if err := r.LoadBuiltin(); err != nil {
		t.Fatal(err)
	}
	if err := r.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	rb, _ := r.Lookup("recon-monitor")
	if rb.Version != "9" {
		t.Errorf("expected override version 9, got %q", rb.Version)
	}

	if err := os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(override), 0o600); err != nil {
		t.Fatal(err)
	}
	r2 := NewRegistry(zerolog.Nop())
	if err := r2.LoadDir(dir); err == nil {
		t.Error("expected duplicate id across files to fail")
	}
}

func TestLoadDir_Missing(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	if err := r.LoadDir(filepath.Join(t.TempDir(), "nope")); err != nil {
		t.Errorf("missing dir should not fail: %v", err)
	}
}

func TestCheckPreconditions(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	if err := r.LoadBuiltin(); err != nil {
		t.Fatal(err)
	}
	rb, _ := r.Lookup("brute-force-block")

	ok, failed, err := rb.CheckPreconditions(map[string]any{"source": "203.0.113.7"})
	if err != nil || !ok {
		t.Errorf("expected precondition to hold: %v %q", err, failed)
	}
	ok, failed, err = rb.CheckPreconditions(map[string]any{"source": ""})
	if err != nil || ok || failed != `source != ""` {
		t.Errorf("expected failing precondition, got ok=%v failed=%q err=%v", ok, failed, err)
	}
}

func TestPredicate_NonBool(t *testing.T) {
	p, err := CompilePredicate(`1 + 2`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Eval(map[string]any{}); err == nil {
		t.Error("expected error for non-bool result")
	}
}

func TestPredicate_PostconditionState(t *testing.T) {
	p := MustPredicate(DefaultPostcondition)
	ok, err := p.Eval(map[string]any{"state": map[string]any{"applied": true}})
	if err != nil || !ok {
		t.Errorf("applied state: ok=%v err=%v", ok, err)
	}
	ok, err = p.Eval(map[string]any{"state": map[string]any{"applied": false}})
	if err != nil || ok {
		t.Errorf("unapplied state: ok=%v err=%v", ok, err)
	}
}

func TestKindTraits(t *testing.T) {
	for _, k := range Kinds() {
		if undoes, ok := k.Compensates(); ok && !undoes.Known() {
			t.Errorf("%s compensates unknown kind %s", k, undoes)
		}
	}
	if !KindIsolateHost.BlastCounted() || KindKillProcess.BlastCounted() {
		t.Error("blast-radius counting mismatch")
	}
	if !KindKillProcess.Disruptive() || KindBlockIP.Disruptive() {
		t.Error("disruptive mismatch")
	}
	if RiskReadOnly.Write() || !RiskWriteLimited.Write() {
		t.Error("Write() mismatch")
	}
}
