package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/1sec-project/warden/internal/runbook"
)

// Requester is the request/reply subset of *nats.Conn.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// EndpointCommand is sent to the agent listening on ir.<tenant>.<host>.
type EndpointCommand struct {
	Action        string         `json:"action"`
	Params        map[string]any `json:"params,omitempty"`
	IncidentID    string         `json:"incident_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// EndpointReply is the agent's answer.
type EndpointReply struct {
	OK      bool              `json:"ok"`
	Error   string            `json:"error,omitempty"`
	Details map[string]string `json:"details,omitempty"`
	State   map[string]any    `json:"state,omitempty"`
}

// Endpoint drives host agents over NATS request/reply.
type Endpoint struct {
	nc      Requester
	tenant  string
	timeout time.Duration
	logger  zerolog.Logger
}

func NewEndpoint(nc Requester, tenant string, timeout time.Duration, logger zerolog.Logger) *Endpoint {
	if tenant == "" {
		tenant = "default"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Endpoint{nc: nc, tenant: tenant, timeout: timeout, logger: logger.With().Str("component", "endpoint").Logger()}
}

// EndpointKinds are the kinds an endpoint agent performs.
var EndpointKinds = []runbook.ActionKind{
	runbook.KindGatherContext,
	runbook.KindIsolateHost,
	runbook.KindReleaseHost,
	runbook.KindKillProcess,
	runbook.KindQuarantineFile,
	runbook.KindRestoreFile,
}

var subjectToken = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

// Subject returns the agent subject for host.
func (e *Endpoint) Subject(host string) string {
	return "ir." + subjectToken.Replace(e.tenant) + "." + subjectToken.Replace(sanitizeArg(host))
}

// command translates a request into the agent's command vocabulary.
func command(req Request) (EndpointCommand, error) {
	cmd := EndpointCommand{IncidentID: req.IncidentID, CorrelationID: req.CorrelationID, Params: map[string]any{}}
	switch p := req.Params.(type) {
	case runbook.GatherContextParams:
		cmd.Action = "collect_triage"
		cmd.Params["artifacts"] = p.Artifacts
		cmd.Params["artifact"] = "warden-" + req.IncidentID
	case runbook.IsolateHostParams:
		cmd.Action = "isolate"
		cmd.Params["allow_management"] = p.AllowManagement
	case runbook.ReleaseHostParams:
		cmd.Action = "release"
	case runbook.KillProcessParams:
		cmd.Action = "kill_process"
		cmd.Params["process"] = p.Process
		cmd.Params["signal"] = p.Signal
	case runbook.QuarantineFileParams:
		cmd.Action = "quarantine_file"
		cmd.Params["path"] = p.Path
	case runbook.RestoreFileParams:
		cmd.Action = "restore_file"
		cmd.Params["path"] = p.Path
	case nil:
		switch req.Kind {
		case runbook.KindGatherContext:
			cmd.Action = "collect_triage"
		case runbook.KindIsolateHost:
			cmd.Action = "isolate"
		case runbook.KindReleaseHost:
			cmd.Action = "release"
		default:
			return cmd, fmt.Errorf("endpoint %s requires params", req.Kind)
		}
	default:
		return cmd, fmt.Errorf("endpoint agent cannot perform %s", req.Kind)
	}
	return cmd, nil
}

func (e *Endpoint) request(ctx context.Context, host string, cmd EndpointCommand) (EndpointReply, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return EndpointReply{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	msg, err := e.nc.RequestWithContext(ctx, e.Subject(host), data)
	if err != nil {
		return EndpointReply{}, fmt.Errorf("endpoint %s: %s: %w", host, cmd.Action, err)
	}
	var reply EndpointReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return EndpointReply{}, fmt.Errorf("endpoint %s: malformed reply: %w", host, err)
	}
	return reply, nil
}

func (e *Endpoint) Execute(ctx context.Context, req Request) (Result, error) {
	cmd, err := command(req)
	if err != nil {
		return Result{}, err
	}
	reply, err := e.request(ctx, req.Target, cmd)
	if err != nil {
		return Result{}, err
	}
	if !reply.OK {
		return Result{}, fmt.Errorf("endpoint %s: %s failed: %s", req.Target, cmd.Action, reply.Error)
	}
	details := map[string]string{"executor": "endpoint", "subject": e.Subject(req.Target)}
	for k, v := range reply.Details {
		details[k] = v
	}
	e.logger.Info().
		Str("incident_id", req.IncidentID).
		Str("host", req.Target).
		Str("action", cmd.Action).
		Msg("endpoint action acknowledged")
	return Result{Message: fmt.Sprintf("%s acknowledged by %s", cmd.Action, req.Target), Details: details}, nil
}

// Probe asks the agent whether the command's effect holds. Agents answer a
// "status" command for the original action with state.applied.
func (e *Endpoint) Probe(ctx context.Context, req Request) (State, error) {
	cmd, err := command(req)
	if err != nil {
		return nil, err
	}
	status := EndpointCommand{
		Action:        "status",
		Params:        map[string]any{"check": cmd.Action},
		IncidentID:    req.IncidentID,
		CorrelationID: req.CorrelationID,
	}
	for k, v := range cmd.Params {
		status.Params[k] = v
	}
	reply, err := e.request(ctx, req.Target, status)
	if err != nil {
		return nil, err
	}
	if !reply.OK {
		return nil, fmt.Errorf("endpoint %s: status failed: %s", req.Target, reply.Error)
	}
	st := State{}
	for k, v := range reply.State {
		st[k] = v
	}
	if _, ok := st[KeyApplied]; !ok {
		if isolated, ok := st["isolated"].(bool); ok {
			switch req.Kind {
			case runbook.KindIsolateHost:
				st[KeyApplied] = isolated
			case runbook.KindReleaseHost:
				st[KeyApplied] = !isolated
			}
		}
	}
	return st, nil
}
