package runbook

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Params is the typed parameter set of an action. Each kind has exactly one
// variant; the variant is chosen by the action's kind when a runbook is decoded.
type Params interface {
	Kind() ActionKind
	Validate() error
}

type GatherContextParams struct {
	Artifacts []string `yaml:"artifacts" json:"artifacts,omitempty"`
}

type NotifyParams struct {
	Channel string `yaml:"channel" json:"channel,omitempty"`
	Message string `yaml:"message" json:"message,omitempty"`
}

type BlockIPParams struct {
	Duration  time.Duration `yaml:"duration" json:"duration,omitempty"`
	Direction string        `yaml:"direction" json:"direction,omitempty"`
}

type UnblockIPParams struct {
	Direction string `yaml:"direction" json:"direction,omitempty"`
}

type KillProcessParams struct {
	Process string `yaml:"process" json:"process,omitempty"`
	Signal  string `yaml:"signal" json:"signal,omitempty"`
}

type QuarantineFileParams struct {
	Path string `yaml:"path" json:"path,omitempty"`
}

type RestoreFileParams struct {
	Path string `yaml:"path" json:"path,omitempty"`
}

type IsolateHostParams struct {
	AllowManagement bool `yaml:"allow_management" json:"allow_management"`
}

type ReleaseHostParams struct{}

type DisableAccountParams struct {
	Reason string `yaml:"reason" json:"reason,omitempty"`
}

type EnableAccountParams struct{}

type ResetCredentialParams struct {
	ForceLogoff bool `yaml:"force_logoff" json:"force_logoff"`
}

type RestoreCredentialParams struct{}

func (GatherContextParams) Kind() ActionKind     { return KindGatherContext }
func (NotifyParams) Kind() ActionKind            { return KindNotify }
func (BlockIPParams) Kind() ActionKind           { return KindBlockIP }
func (UnblockIPParams) Kind() ActionKind         { return KindUnblockIP }
func (KillProcessParams) Kind() ActionKind       { return KindKillProcess }
func (QuarantineFileParams) Kind() ActionKind    { return KindQuarantineFile }
func (RestoreFileParams) Kind() ActionKind       { return KindRestoreFile }
func (IsolateHostParams) Kind() ActionKind       { return KindIsolateHost }
func (ReleaseHostParams) Kind() ActionKind       { return KindReleaseHost }
func (DisableAccountParams) Kind() ActionKind    { return KindDisableAccount }
func (EnableAccountParams) Kind() ActionKind     { return KindEnableAccount }
func (ResetCredentialParams) Kind() ActionKind   { return KindResetCredential }
func (RestoreCredentialParams) Kind() ActionKind { return KindRestoreCredential }

var artifactName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

func (p GatherContextParams) Validate() error {
	for _, a := range p.Artifacts {
		if !artifactName.MatchString(a) {
			return fmt.Errorf("invalid artifact name %q", a)
		}
	}
	return nil
}

func (p NotifyParams) Validate() error {
	if len(p.Message) > 2048 {
		return fmt.Errorf("message exceeds 2048 characters")
	}
	return nil
}

func validDirection(d string) error {
	switch d {
	case "", "in", "out", "both":
		return nil
	}
	return fmt.Errorf("direction must be in, out or both, got %q", d)
}

func (p BlockIPParams) Validate() error {
	if p.Duration < 0 {
		return fmt.Errorf("duration must not be negative")
	}
	return validDirection(p.Direction)
}

func (p UnblockIPParams) Validate() error { return validDirection(p.Direction) }

var processName = regexp.MustCompile(`^[a-zA-Z0-9._\-]{0,255}$`)

func (p KillProcessParams) Validate() error {
	if !processName.MatchString(p.Process) {
		return fmt.Errorf("invalid process name %q", p.Process)
	}
	switch strings.ToUpper(p.Signal) {
	case "", "TERM", "KILL", "SIGTERM", "SIGKILL":
		return nil
	}
	return fmt.Errorf("unsupported signal %q", p.Signal)
}

func validPath(p string) error {
	if p == "" {
		return nil
	}
	if !filepath.IsAbs(p) {
		return fmt.Errorf("path %q must be absolute", p)
	}
	if strings.Contains(p, "..") {
		return fmt.Errorf("path %q contains a traversal sequence", p)
	}
	return nil
}

func (p QuarantineFileParams) Validate() error  { return validPath(p.Path) }
func (p RestoreFileParams) Validate() error     { return validPath(p.Path) }
func (IsolateHostParams) Validate() error       { return nil }
func (ReleaseHostParams) Validate() error       { return nil }
func (EnableAccountParams) Validate() error     { return nil }
func (ResetCredentialParams) Validate() error   { return nil }
func (RestoreCredentialParams) Validate() error { return nil }

func (p DisableAccountParams) Validate() error {
	if len(p.Reason) > 512 {
		return fmt.Errorf("reason exceeds 512 characters")
	}
	return nil
}

// decodeParams decodes node into the variant selected by kind. An absent
// params block yields the zero variant.
func decodeParams(kind ActionKind, node *yaml.Node) (Params, error) {
	var p Params
	switch kind {
	case KindGatherContext:
		p = &GatherContextParams{}
	case KindNotify:
		p = &NotifyParams{}
	case KindBlockIP:
		p = &BlockIPParams{}
	case KindUnblockIP:
		p = &UnblockIPParams{}
	case KindKillProcess:
		p = &KillProcessParams{}
	case KindQuarantineFile:
		p = &QuarantineFileParams{}
	case KindRestoreFile:
		p = &RestoreFileParams{}
	case KindIsolateHost:
		p = &IsolateHostParams{}
	case KindReleaseHost:
		p = &ReleaseHostParams{}
	case KindDisableAccount:
		p = &DisableAccountParams{}
	case KindEnableAccount:
		p = &EnableAccountParams{}
	case KindResetCredential:
		p = &ResetCredentialParams{}
	case KindRestoreCredential:
		p = &RestoreCredentialParams{}
	default:
		return nil, fmt.Errorf("unknown action kind %q", kind)
	}
	if node != nil && node.Kind != 0 && node.Tag != "!!null" {
		if node.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("params for %s must be a mapping", kind)
		}
		if err := node.Decode(p); err != nil {
			return nil, fmt.Errorf("decoding %s params: %w", kind, err)
		}
	}
	v := deref(p)
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

func deref(p Params) Params {
	switch v := p.(type) {
	case *GatherContextParams:
		return *v
	case *NotifyParams:
		return *v
	case *BlockIPParams:
		return *v
	case *UnblockIPParams:
		return *v
	case *KillProcessParams:
		return *v
	case *QuarantineFileParams:
		return *v
	case *RestoreFileParams:
		return *v
	case *IsolateHostParams:
		return *v
	case *ReleaseHostParams:
		return *v
	case *DisableAccountParams:
		return *v
	case *EnableAccountParams:
		return *v
	case *ResetCredentialParams:
		return *v
	case *RestoreCredentialParams:
		return *v
	}
	return p
}
