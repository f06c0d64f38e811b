package main

// ---------------------------------------------------------------------------
// cmd_control.go: autonomy level, kill switch, config reload
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/1sec-project/warden/internal/gate"
)

type autonomyView struct {
	Level      string `json:"level"`
	Configured string `json:"configured"`
	KillSwitch bool   `json:"kill_switch"`
	Changed    *bool  `json:"changed,omitempty"`
}

func printAutonomy(v autonomyView) {
	if v.KillSwitch {
		fmt.Fprintf(os.Stdout, "%s Kill switch %s: effective autonomy %s (configured %s)\n",
			red("■"), red("ENGAGED"), bold(v.Level), v.Configured)
		return
	}
	fmt.Fprintf(os.Stdout, "%s Autonomy %s\n", green("●"), bold(v.Level))
}

func autonomyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autonomy",
		Short: "Show or change the autonomy level",
		Long: `Autonomy levels:
  L0  shadow: incidents are planned and gated, nothing executes
  L1  read-only: context gathering and notifications only
  L2  conditional: writes run when every gate passes
  L3  manual approval: every action needs an approval quorum`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showAutonomy()
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Show the effective and configured level",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, args []string) error { return showAutonomy() },
		},
		&cobra.Command{
			Use:   "set <L0|L1|L2|L3>",
			Short: "Change the configured level",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				level, err := gate.ParseLevel(args[0])
				if err != nil {
					return err
				}
				raw, err := newClient().put("/api/v1/admin/autonomy", map[string]string{"level": level.String()})
				if err != nil {
					return err
				}
				return renderAutonomy(raw)
			},
		},
	)
	return cmd
}

func showAutonomy() error {
	raw, err := newClient().get("/api/v1/admin/autonomy")
	if err != nil {
		return err
	}
	return renderAutonomy(raw)
}

func renderAutonomy(raw []byte) error {
	if jsonOutput() {
		printJSON(os.Stdout, raw)
		return nil
	}
	var v autonomyView
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	printAutonomy(v)
	return nil
}

func killSwitchCmd() *cobra.Command {
	var reason string
	toggle := func(engaged bool) error {
		payload := map[string]interface{}{"engaged": engaged}
		if reason != "" {
			payload["reason"] = reason
		}
		raw, err := newClient().post("/api/v1/admin/killswitch", payload)
		if err != nil {
			return err
		}
		if jsonOutput() {
			printJSON(os.Stdout, raw)
			return nil
		}
		var v autonomyView
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
		if v.Changed != nil && !*v.Changed {
			fmt.Fprintln(os.Stdout, dim("Kill switch already in that state."))
		}
		printAutonomy(v)
		return nil
	}

	cmd := &cobra.Command{
		Use:     "killswitch",
		Aliases: []string{"kill-switch", "ks"},
		Short:   "Engage or release the kill switch",
	}
	engage := &cobra.Command{
		Use:   "engage",
		Short: "Halt all automated execution immediately",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return toggle(true) },
	}
	engage.Flags().StringVarP(&reason, "reason", "r", "", "reason recorded in the audit log")
	disengage := &cobra.Command{
		Use:     "disengage",
		Aliases: []string{"release"},
		Short:   "Restore the configured autonomy level",
		Args:    cobra.NoArgs,
		RunE:    func(cmd *cobra.Command, args []string) error { return toggle(false) },
	}
	cmd.AddCommand(engage, disengage)
	return cmd
}

func reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload the configuration of a running engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Changes []string `json:"changes"`
			}
			raw, err := newClient().post("/api/v1/admin/reload", nil)
			if err != nil {
				return err
			}
			if jsonOutput() {
				printJSON(os.Stdout, raw)
				return nil
			}
			if err := json.Unmarshal(raw, &resp); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			if len(resp.Changes) == 0 {
				fmt.Fprintf(os.Stdout, "%s Configuration reloaded, nothing changed.\n", green("✓"))
				return nil
			}
			fmt.Fprintf(os.Stdout, "%s Configuration reloaded:\n", green("✓"))
			for _, c := range resp.Changes {
				fmt.Fprintf(os.Stdout, "  %s %s\n", dim("•"), c)
			}
			return nil
		},
	}
}
