package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

type statusView struct {
	Version         string                 `json:"version"`
	UptimeSeconds   int64                  `json:"uptime_seconds"`
	Autonomy        string                 `json:"autonomy"`
	ConfiguredLevel string                 `json:"configured_level"`
	KillSwitch      bool                   `json:"kill_switch"`
	ExecutionMode   string                 `json:"execution_mode"`
	Adapters        map[string]string      `json:"adapters"`
	ActiveIncidents int                    `json:"active_incidents"`
	Approvals       map[string]interface{} `json:"approvals"`
	Runbooks        int                    `json:"runbooks"`
	CatalogVersion  string                 `json:"catalog_version"`
	Storage         string                 `json:"storage"`
	BusConnected    bool                   `json:"bus_connected"`
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st statusView
			raw, err := newClient().getJSON("/api/v1/status", &st)
			if err != nil {
				return err
			}
			if jsonOutput() {
				printJSON(os.Stdout, raw)
				return nil
			}
			printStatus(st)
			return nil
		},
	}
}

func printStatus(st statusView) {
	level := bold(st.Autonomy)
	if st.KillSwitch {
		level = red(st.Autonomy) + dim(fmt.Sprintf(" (kill switch engaged, configured %s)", st.ConfiguredLevel))
	}
	mode := yellow(st.ExecutionMode)
	if st.ExecutionMode == "live" {
		mode = red(st.ExecutionMode)
	}
	bus := dim("disabled")
	if st.BusConnected {
		bus = green("connected")
	}

	fmt.Fprintf(os.Stdout, "%s warden %s, up %s\n", green("●"), st.Version, time.Duration(st.UptimeSeconds)*time.Second)
	fmt.Fprintf(os.Stdout, "  Autonomy:   %s\n", level)
	fmt.Fprintf(os.Stdout, "  Mode:       %s\n", mode)
	fmt.Fprintf(os.Stdout, "  Incidents:  %d active\n", st.ActiveIncidents)
	if n, ok := st.Approvals["pending_count"]; ok {
		fmt.Fprintf(os.Stdout, "  Approvals:  %v pending\n", n)
	}
	fmt.Fprintf(os.Stdout, "  Runbooks:   %d (catalog %s)\n", st.Runbooks, st.CatalogVersion)
	fmt.Fprintf(os.Stdout, "  Storage:    %s\n", st.Storage)
	fmt.Fprintf(os.Stdout, "  Bus:        %s\n", bus)

	if len(st.Adapters) == 0 {
		return
	}
	kinds := make([]string, 0, len(st.Adapters))
	for k := range st.Adapters {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	fmt.Fprintln(os.Stdout)
	t := NewTable(os.Stdout, "ACTION", "ADAPTER")
	for _, k := range kinds {
		t.AddRow(k, st.Adapters[k])
	}
	t.Render()
}

// jsonUnmarshal decodes an API response body.
func jsonUnmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
