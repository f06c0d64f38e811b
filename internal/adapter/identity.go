package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/warden/internal/runbook"
)

// IdentityConfig points at a directory connector exposing
// POST {base}/accounts/{user}/{op} and GET {base}/accounts/{user}.
type IdentityConfig struct {
	BaseURL      string        `yaml:"base_url" json:"base_url"`
	Token        string        `yaml:"token" json:"-"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	AllowPrivate bool          `yaml:"allow_private" json:"allow_private"`
}

// Identity disables, enables and resets accounts through the connector.
type Identity struct {
	cfg    IdentityConfig
	client *http.Client
	logger zerolog.Logger
}

var IdentityKinds = []runbook.ActionKind{
	runbook.KindDisableAccount,
	runbook.KindEnableAccount,
	runbook.KindResetCredential,
	runbook.KindRestoreCredential,
}

func NewIdentity(cfg IdentityConfig, logger zerolog.Logger) (*Identity, error) {
	if err := validateEndpointURL(cfg.BaseURL, cfg.AllowPrivate); err != nil {
		return nil, fmt.Errorf("identity connector: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Identity{
		cfg:    cfg,
		client: newHTTPClient(cfg.Timeout, cfg.AllowPrivate),
		logger: logger.With().Str("component", "identity").Logger(),
	}, nil
}

type accountStatus struct {
	Enabled         bool `json:"enabled"`
	CredentialReset bool `json:"credential_reset"`
}

func identityOp(kind runbook.ActionKind) (string, error) {
	switch kind {
	case runbook.KindDisableAccount:
		return "disable", nil
	case runbook.KindEnableAccount:
		return "enable", nil
	case runbook.KindResetCredential:
		return "reset-credential", nil
	case runbook.KindRestoreCredential:
		return "restore-credential", nil
	}
	return "", fmt.Errorf("identity connector cannot perform %s", kind)
}

func (i *Identity) accountURL(user string, parts ...string) string {
	u := i.cfg.BaseURL + "/accounts/" + url.PathEscape(user)
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

func (i *Identity) do(ctx context.Context, method, u string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "warden/1.0")
	if i.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+i.cfg.Token)
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("identity connector request failed: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("identity connector returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("identity connector: malformed response: %w", err)
		}
	}
	return nil
}

func (i *Identity) Execute(ctx context.Context, req Request) (Result, error) {
	op, err := identityOp(req.Kind)
	if err != nil {
		return Result{}, err
	}
	user := strings.TrimSpace(req.Target)
	if user == "" {
		return Result{}, fmt.Errorf("identity connector: no account to %s", op)
	}
	body := map[string]any{"incident_id": req.IncidentID, "correlation_id": req.CorrelationID}
	switch p := req.Params.(type) {
	case runbook.DisableAccountParams:
		body["reason"] = p.Reason
	case runbook.ResetCredentialParams:
		body["force_logoff"] = p.ForceLogoff
	}
	if err := i.do(ctx, http.MethodPost, i.accountURL(user, op), body, nil); err != nil {
		return Result{}, err
	}
	i.logger.Info().Str("incident_id", req.IncidentID).Str("user", user).Str("op", op).Msg("identity action applied")
	return Result{
		Message: fmt.Sprintf("%s %s via identity connector", op, user),
		Details: map[string]string{"executor": "identity", "op": op, "user": user},
	}, nil
}

func (i *Identity) Probe(ctx context.Context, req Request) (State, error) {
	var st accountStatus
	if err := i.do(ctx, http.MethodGet, i.accountURL(strings.TrimSpace(req.Target)), nil, &st); err != nil {
		return nil, err
	}
	var applied bool
	switch req.Kind {
	case runbook.KindDisableAccount:
		applied = !st.Enabled
	case runbook.KindEnableAccount:
		applied = st.Enabled
	case runbook.KindResetCredential:
		applied = st.CredentialReset
	case runbook.KindRestoreCredential:
		applied = !st.CredentialReset
	default:
		return nil, fmt.Errorf("identity connector cannot probe %s", req.Kind)
	}
	return State{KeyApplied: applied, "enabled": st.Enabled, "credential_reset": st.CredentialReset}, nil
}
