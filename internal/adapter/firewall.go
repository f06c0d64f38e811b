package adapter

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/rs/zerolog"

	"github.com/1sec-project/warden/internal/runbook"
)

// Runner runs a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Firewall blocks and unblocks addresses in the local host firewall:
// iptables on linux, pf on darwin, netsh on windows.
type Firewall struct {
	run    Runner
	goos   string
	logger zerolog.Logger
}

func NewFirewall(logger zerolog.Logger) *Firewall {
	return &Firewall{run: execRunner, goos: runtime.GOOS, logger: logger.With().Str("component", "firewall").Logger()}
}

func direction(p runbook.Params) string {
	switch v := p.(type) {
	case runbook.BlockIPParams:
		return v.Direction
	case runbook.UnblockIPParams:
		return v.Direction
	}
	return ""
}

func chains(dir string) []string {
	switch dir {
	case "out":
		return []string{"OUTPUT"}
	case "both":
		return []string{"INPUT", "OUTPUT"}
	default:
		return []string{"INPUT"}
	}
}

func iptablesArgs(op, chain, ip string) []string {
	flag := "-s"
	if chain == "OUTPUT" {
		flag = "-d"
	}
	return []string{op, chain, flag, ip, "-j", "DROP", "-m", "comment", "--comment", "warden"}
}

func netshRule(ip, chain string) string {
	return fmt.Sprintf("WARDEN-Block-%s-%s", strings.ToLower(chain), strings.NewReplacer(".", "-", ":", "-").Replace(ip))
}

func (f *Firewall) Execute(ctx context.Context, req Request) (Result, error) {
	ip := strings.TrimSpace(req.Target)
	if err := validateIPAddress(ip); err != nil {
		return Result{}, fmt.Errorf("firewall: %w", err)
	}
	var block bool
	switch req.Kind {
	case runbook.KindBlockIP:
		block = true
	case runbook.KindUnblockIP:
	default:
		return Result{}, fmt.Errorf("firewall cannot perform %s", req.Kind)
	}

	dir := direction(req.Params)
	for _, chain := range chains(dir) {
		name, args := f.command(block, chain, ip)
		if name == "" {
			return Result{}, fmt.Errorf("unsupported OS for IP blocking: %s", f.goos)
		}
		out, err := f.run(ctx, name, args...)
		if err != nil {
			if !block && f.goos == "linux" {
				// Removing a rule that is already gone leaves the address unblocked.
				if present, perr := f.present(ctx, chain, ip); perr == nil && !present {
					continue
				}
			}
			return Result{}, fmt.Errorf("firewall command failed: %w: %s", err, strings.TrimSpace(string(out)))
		}
	}

	verb := "unblocked"
	if block {
		verb = "blocked"
	}
	f.logger.Info().Str("incident_id", req.IncidentID).Str("ip", ip).Str("direction", dir).Msg("firewall rule " + verb)
	return Result{
		Message: fmt.Sprintf("%s IP %s (os=%s)", verb, ip, f.goos),
		Details: map[string]string{"executor": "firewall", "ip": ip, "direction": dir},
	}, nil
}

func (f *Firewall) command(block bool, chain, ip string) (string, []string) {
	switch f.goos {
	case "linux":
		op := "-D"
		if block {
			op = "-I"
		}
		return "iptables", iptablesArgs(op, chain, ip)
	case "darwin":
		op := "delete"
		if block {
			op = "add"
		}
		return "pfctl", []string{"-t", "warden_blocked", "-T", op, ip}
	case "windows":
		if !block {
			return "netsh", []string{"advfirewall", "firewall", "delete", "rule", "name=" + netshRule(ip, chain)}
		}
		dir := "in"
		if chain == "OUTPUT" {
			dir = "out"
		}
		return "netsh", []string{"advfirewall", "firewall", "add", "rule",
			"name=" + netshRule(ip, chain), "dir=" + dir, "action=block", "remoteip=" + ip}
	}
	return "", nil
}

func (f *Firewall) present(ctx context.Context, chain, ip string) (bool, error) {
	var name string
	var args []string
	switch f.goos {
	case "linux":
		name, args = "iptables", iptablesArgs("-C", chain, ip)
	case "darwin":
		name, args = "pfctl", []string{"-t", "warden_blocked", "-T", "test", ip}
	case "windows":
		name, args = "netsh", []string{"advfirewall", "firewall", "show", "rule", "name=" + netshRule(ip, chain)}
	default:
		return false, fmt.Errorf("unsupported OS for IP blocking: %s", f.goos)
	}
	// All three tools exit non-zero when the rule or address is absent.
	if _, err := f.run(ctx, name, args...); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (f *Firewall) Probe(ctx context.Context, req Request) (State, error) {
	ip := strings.TrimSpace(req.Target)
	dir := direction(req.Params)
	blocked := true
	for _, chain := range chains(dir) {
		ok, err := f.present(ctx, chain, ip)
		if err != nil {
			return nil, err
		}
		blocked = blocked && ok
	}
	applied := blocked
	if req.Kind == runbook.KindUnblockIP {
		applied = !blocked
	}
	return State{KeyApplied: applied, "blocked": blocked, "ip": ip}, nil
}
