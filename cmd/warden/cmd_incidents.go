package main

// ---------------------------------------------------------------------------
// cmd_incidents.go: submit detections and inspect incidents
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/1sec-project/warden/internal/incident"
	"github.com/1sec-project/warden/internal/orchestrator"
)

type submitResponse struct {
	IncidentID    string            `json:"incident_id"`
	CorrelationID string            `json:"correlation_id"`
	Type          string            `json:"type"`
	Severity      incident.Severity `json:"severity"`
	Confidence    float64           `json:"confidence"`
	LowConfidence bool              `json:"low_confidence"`
	Techniques    []string          `json:"mitre"`
	RunbookID     string            `json:"runbook_id"`
	Stage         incident.Stage    `json:"stage"`
}

func submitCmd() *cobra.Command {
	var (
		ev         incident.DetectionEvent
		severity   string
		techniques []string
		file       string
		wait       bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a detection event",
		Example: `  warden submit --type brute_force --source 203.0.113.7 --target web-01
  warden submit --file detection.json --wait`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				data, err := readInput(file)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &ev); err != nil {
					return fmt.Errorf("parsing %s: %w", file, err)
				}
			}
			if severity != "" {
				ev.SeverityHint = incident.ParseSeverity(severity)
			}
			if len(techniques) > 0 {
				ev.TechniqueHints = techniques
			}
			if bad, why := ev.Malformed(); bad {
				return fmt.Errorf("detection rejected: %s", why)
			}

			c := newClient()
			raw, err := c.post("/api/v1/incidents", ev)
			if err != nil {
				return err
			}
			var resp submitResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			if !wait {
				if jsonOutput() {
					printJSON(os.Stdout, raw)
					return nil
				}
				fmt.Fprintf(os.Stdout, "%s Incident %s accepted: %s (%s, confidence %.2f), runbook %s\n",
					green("✓"), bold(resp.IncidentID), resp.Type, resp.Severity, resp.Confidence, str(nonEmpty(resp.RunbookID)))
				if resp.LowConfidence {
					warnf("classification confidence is below the floor; the incident will go to manual review")
				}
				return nil
			}

			inc, raw, err := waitForIncident(c, resp.IncidentID, waitTimeout())
			if err != nil {
				return err
			}
			if jsonOutput() {
				printJSON(os.Stdout, raw)
				return nil
			}
			printIncident(inc)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&ev.ID, "id", "", "event id assigned by the detection source")
	f.StringVar(&ev.TypeHint, "type", "", "incident type hint, e.g. brute_force")
	f.StringVar(&ev.Description, "description", "", "free-text description")
	f.StringVar(&ev.Source, "source", "", "attacker address or origin")
	f.StringVar(&ev.Target, "target", "", "affected host, IP or account")
	f.StringSliceVar(&ev.Targets, "targets", nil, "additional affected entities")
	f.StringVar(&ev.User, "user", "", "affected user account")
	f.StringVar(&severity, "severity", "", "severity hint: low, medium, high, critical")
	f.StringSliceVar(&techniques, "technique", nil, "MITRE ATT&CK technique hint (repeatable)")
	f.StringVarP(&file, "file", "f", "", "read the detection as JSON from a file, or - for stdin")
	f.BoolVarP(&wait, "wait", "w", false, "wait until the incident reaches a terminal stage")
	return cmd
}

// waitForIncident polls until the incident is terminal or timeout elapses.
func waitForIncident(c *apiClient, id string, timeout time.Duration) (*incident.Incident, []byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		var inc incident.Incident
		raw, err := c.getJSON("/api/v1/incidents/"+url.PathEscape(id), &inc)
		if err != nil {
			return nil, nil, err
		}
		if inc.Stage.Terminal() {
			return &inc, raw, nil
		}
		if time.Now().After(deadline) {
			return nil, nil, fmt.Errorf("incident %s still in stage %s after %s", id, inc.Stage, timeout)
		}
		time.Sleep(250 * time.Millisecond)
	}
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return readAllStdin()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

func incidentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "incidents",
		Aliases: []string{"incident", "inc"},
		Short:   "List and inspect incidents",
	}
	cmd.AddCommand(incidentsListCmd(), incidentsShowCmd(), incidentsTraceCmd())
	return cmd
}

func incidentsListCmd() *cobra.Command {
	var (
		stage, typ, technique string
		active                bool
		limit                 int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List incidents, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if stage != "" {
				if _, err := incident.ParseStage(stage); err != nil {
					return err
				}
				q.Set("stage", stage)
			}
			if typ != "" {
				q.Set("type", typ)
			}
			if technique != "" {
				q.Set("technique", technique)
			}
			if active {
				q.Set("active", "true")
			}
			q.Set("limit", strconv.Itoa(limit))

			var resp struct {
				Incidents []*incident.Incident `json:"incidents"`
				Total     int                  `json:"total"`
			}
			raw, err := newClient().getJSON("/api/v1/incidents?"+q.Encode(), &resp)
			if err != nil {
				return err
			}
			if jsonOutput() {
				printJSON(os.Stdout, raw)
				return nil
			}
			if resp.Total == 0 {
				fmt.Fprintln(os.Stdout, dim("No incidents."))
				return nil
			}
			t := NewTable(os.Stdout, "ID", "TYPE", "SEVERITY", "STAGE", "RUNBOOK", "TARGETS", "CREATED")
			for _, inc := range resp.Incidents {
				t.AddRow(inc.ID, inc.Type, inc.Severity.String(), stageColor(inc.Stage.String()),
					str(nonEmpty(inc.RunbookID)), strings.Join(inc.Targets, ","), inc.CreatedAt.Local().Format(time.DateTime))
			}
			t.Render()
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&stage, "stage", "", "filter by stage")
	f.StringVar(&typ, "type", "", "filter by incident type")
	f.StringVar(&technique, "technique", "", "filter by MITRE technique")
	f.BoolVar(&active, "active", false, "only incidents not yet in a terminal stage")
	f.IntVar(&limit, "limit", 50, "maximum incidents to list")
	return cmd
}

func incidentsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var inc incident.Incident
			raw, err := newClient().getJSON("/api/v1/incidents/"+url.PathEscape(args[0]), &inc)
			if err != nil {
				return err
			}
			if jsonOutput() {
				printJSON(os.Stdout, raw)
				return nil
			}
			printIncident(&inc)
			return nil
		},
	}
}

func printIncident(inc *incident.Incident) {
	fmt.Fprintf(os.Stdout, "%s %s  %s\n", bold("Incident"), inc.ID, stageColor(inc.Stage.String()))
	fmt.Fprintf(os.Stdout, "  Type:        %s (%s, confidence %.2f)\n", inc.Type, inc.Severity, inc.Confidence)
	if len(inc.Techniques) > 0 {
		fmt.Fprintf(os.Stdout, "  MITRE:       %s\n", strings.Join(inc.Techniques, ", "))
	}
	fmt.Fprintf(os.Stdout, "  Runbook:     %s\n", str(nonEmpty(inc.RunbookID)))
	fmt.Fprintf(os.Stdout, "  Targets:     %s\n", strings.Join(inc.Targets, ", "))
	fmt.Fprintf(os.Stdout, "  Correlation: %s\n", inc.CorrelationID)
	if inc.ManualReason != "" {
		fmt.Fprintf(os.Stdout, "  Manual:      %s\n", yellow(inc.ManualReason))
	}
	if inc.FailureReason != "" {
		fmt.Fprintf(os.Stdout, "  Failure:     %s\n", red(inc.FailureReason))
	}

	stages := make([]string, 0, len(inc.History)+1)
	if len(inc.History) > 0 {
		stages = append(stages, inc.History[0].From.String())
	}
	for _, tr := range inc.History {
		stages = append(stages, tr.To.String())
	}
	fmt.Fprintf(os.Stdout, "  Path:        %s\n", strings.Join(stages, " → "))

	if len(inc.Actions) == 0 {
		return
	}
	fmt.Fprintln(os.Stdout)
	t := NewTable(os.Stdout, "#", "ACTION", "KIND", "TARGET", "STATUS", "APPROVAL")
	for _, a := range inc.Actions {
		t.AddRow(strconv.Itoa(a.Index), a.Name, string(a.Kind), a.Target, string(a.Status), str(nonEmpty(a.ApprovalID)))
	}
	t.Render()
}

func incidentsTraceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trace <id>",
		Short: "Explain what happened to an incident and why",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var tr orchestrator.Trace
			raw, err := newClient().getJSON("/api/v1/incidents/"+url.PathEscape(args[0])+"/trace", &tr)
			if err != nil {
				return err
			}
			if jsonOutput() {
				printJSON(os.Stdout, raw)
				return nil
			}
			printTrace(&tr)
			return nil
		},
	}
}

func printTrace(tr *orchestrator.Trace) {
	fmt.Fprintf(os.Stdout, "%s %s  %s\n", bold("Trace"), tr.IncidentID, stageColor(tr.Stage.String()))
	fmt.Fprintf(os.Stdout, "  %s (%s, confidence %.2f) via runbook %s\n", tr.Type, tr.Severity, tr.Confidence, str(nonEmpty(tr.RunbookID)))
	fmt.Fprintf(os.Stdout, "  Stages: %s\n", strings.Join(tr.Stages, " → "))
	if tr.ManualReason != "" {
		fmt.Fprintf(os.Stdout, "  Manual review: %s\n", yellow(tr.ManualReason))
	}
	if tr.FailureReason != "" {
		fmt.Fprintf(os.Stdout, "  Failed: %s\n", red(tr.FailureReason))
	}

	if len(tr.Decisions) > 0 {
		fmt.Fprintf(os.Stdout, "\n%s\n", bold("Gate decisions"))
		t := NewTable(os.Stdout, "#", "ACTION", "TARGET", "OUTCOME", "GATE", "REASON")
		for _, d := range tr.Decisions {
			t.AddRow(strconv.Itoa(d.ActionIndex), d.ActionName, d.Target, string(d.Outcome), string(d.Gate), d.Reason)
		}
		t.Render()
	}

	printActions := func(title string, actions []orchestrator.ActionTrace) {
		if len(actions) == 0 {
			return
		}
		fmt.Fprintf(os.Stdout, "\n%s\n", bold(title))
		t := NewTable(os.Stdout, "#", "ACTION", "KIND", "TARGET", "STATUS", "DETAIL")
		for _, a := range actions {
			detail := ""
			switch {
			case a.Result != nil && a.Result.Error != "":
				detail = a.Result.Error
			case a.Verification != nil && !a.Verification.Passed:
				detail = "verification failed: " + a.Verification.Predicate
			case a.Rollback != nil:
				detail = a.Rollback.Reason
			case a.Result != nil:
				detail = a.Result.Details
			}
			t.AddRow(strconv.Itoa(a.Index), a.Name, a.Kind, a.Target, string(a.Status), detail)
		}
		t.Render()
	}
	printActions("Executed", tr.Executed)
	printActions("Blocked", tr.Blocked)
	printActions("Compensations", tr.Compensations)

	for _, u := range tr.Unresolved {
		fmt.Fprintf(os.Stdout, "%s unresolved: %s on %s: %s\n", red("!"), u.Action, u.Target, u.Reason)
	}
	fmt.Fprintf(os.Stdout, "\n%s\n", dim(fmt.Sprintf("%d audit records, correlation %s", len(tr.Audit), tr.CorrelationID)))
}

func nonEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
