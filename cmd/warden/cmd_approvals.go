package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/1sec-project/warden/internal/approval"
)

func approvalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "approvals",
		Aliases: []string{"approval"},
		Short:   "List and decide approval requests",
	}

	var (
		role     string
		resolved bool
		limit    int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List pending approval requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if role != "" {
				q.Set("role", role)
			}
			if resolved {
				q.Set("state", "resolved")
				q.Set("limit", strconv.Itoa(limit))
			}
			var resp struct {
				Approvals []*approval.Request `json:"approvals"`
				Total     int                 `json:"total"`
			}
			path := "/api/v1/approvals"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			raw, err := newClient().getJSON(path, &resp)
			if err != nil {
				return err
			}
			if jsonOutput() {
				printJSON(os.Stdout, raw)
				return nil
			}
			if resp.Total == 0 {
				fmt.Fprintln(os.Stdout, dim("No approval requests."))
				return nil
			}
			printApprovals(resp.Approvals)
			return nil
		},
	}
	list.Flags().StringVar(&role, "role", "", "only requests this role may approve")
	list.Flags().BoolVar(&resolved, "resolved", false, "list resolved requests instead of pending ones")
	list.Flags().IntVar(&limit, "limit", 50, "maximum resolved requests to list")

	cmd.AddCommand(list, decideCmd(true), decideCmd(false))
	return cmd
}

func printApprovals(reqs []*approval.Request) {
	t := NewTable(os.Stdout, "ID", "INCIDENT", "ACTION", "TARGET", "GATE", "ROLES", "SIGNOFFS", "STATE", "EXPIRES")
	for _, r := range reqs {
		expires := time.Until(r.ExpiresAt).Round(time.Second).String()
		if r.State != approval.StatePending {
			expires = "-"
		}
		t.AddRow(r.ID, r.IncidentID, r.ActionName, r.Target, string(r.Gate),
			strings.Join(r.RequiredRoles, "|"),
			fmt.Sprintf("%d/%d", len(r.Approvals), r.RequiredCount),
			string(r.State), expires)
	}
	t.Render()
}

// decideCmd builds 'approve' or 'reject'. --as and --role are only honoured
// by an engine running without authentication.
func decideCmd(approve bool) *cobra.Command {
	var (
		reason string
		as     string
		roles  []string
	)
	use, short, verb := "approve <id>", "Approve a pending request", "approve"
	if !approve {
		use, short, verb = "reject <id>", "Reject a pending request", "reject"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]interface{}{}
			if reason != "" {
				payload["reason"] = reason
			}
			if as != "" {
				payload["approver"] = as
				payload["roles"] = roles
			}
			var req approval.Request
			raw, err := newClient().post("/api/v1/approvals/"+url.PathEscape(args[0])+"/"+verb, payload)
			if err != nil {
				return err
			}
			if jsonOutput() {
				printJSON(os.Stdout, raw)
				return nil
			}
			if err := jsonUnmarshal(raw, &req); err != nil {
				return err
			}
			switch req.State {
			case approval.StateApproved:
				fmt.Fprintf(os.Stdout, "%s Request %s approved; %s on %s will proceed.\n", green("✓"), req.ID, req.ActionName, req.Target)
			case approval.StateRejected:
				fmt.Fprintf(os.Stdout, "%s Request %s rejected; %s on %s is blocked.\n", red("✗"), req.ID, req.ActionName, req.Target)
			default:
				fmt.Fprintf(os.Stdout, "%s Sign-off recorded: %d of %d approvals for %s on %s.\n",
					yellow("…"), len(req.Approvals), req.RequiredCount, req.ActionName, req.Target)
			}
			return nil
		},
	}
	if !approve {
		cmd.Flags().StringVarP(&reason, "reason", "r", "", "reason recorded with the rejection")
	}
	cmd.Flags().StringVar(&as, "as", "", "approver name (engines without authentication only)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "approver roles (engines without authentication only)")
	return cmd
}
