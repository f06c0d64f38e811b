package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/1sec-project/warden/internal/core"
)

func logsCmd() *cobra.Command {
	var (
		limit      int
		level      string
		incidentID string
		follow     bool
		interval   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent engine log lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			if level != "" {
				q.Set("level", level)
			}
			if incidentID != "" {
				q.Set("incident_id", incidentID)
			}
			c := newClient()

			var last time.Time
			for {
				var resp struct {
					Logs []core.LogEntry `json:"logs"`
				}
				raw, err := c.getJSON("/api/v1/logs?"+q.Encode(), &resp)
				if err != nil {
					return err
				}
				if jsonOutput() && !follow {
					printJSON(os.Stdout, raw)
					return nil
				}
				for _, e := range resp.Logs {
					if !e.Timestamp.After(last) {
						continue
					}
					printLogEntry(e)
					last = e.Timestamp
				}
				if !follow {
					return nil
				}
				select {
				case <-cmd.Context().Done():
					return nil
				case <-time.After(interval):
				}
			}
		},
	}
	f := cmd.Flags()
	f.IntVarP(&limit, "lines", "n", 100, "number of entries")
	f.StringVar(&level, "level", "", "only entries at this level")
	f.StringVar(&incidentID, "incident", "", "only entries mentioning this incident")
	f.BoolVarP(&follow, "follow", "f", false, "keep polling for new entries")
	f.DurationVar(&interval, "interval", 2*time.Second, "poll interval with --follow")
	return cmd
}

func printLogEntry(e core.LogEntry) {
	if jsonOutput() {
		fmt.Fprintln(os.Stdout, e.Raw)
		return
	}
	lvl := strings.ToUpper(e.Level)
	switch e.Level {
	case "error", "fatal", "panic":
		lvl = red(lvl)
	case "warn":
		lvl = yellow(lvl)
	case "debug", "trace":
		lvl = dim(lvl)
	}
	var extra string
	if e.Component != "" {
		extra += " " + dim("component="+e.Component)
	}
	if e.IncidentID != "" {
		extra += " " + dim("incident="+e.IncidentID)
	}
	fmt.Fprintf(os.Stdout, "%s %-5s %s%s\n", dim(e.Timestamp.Local().Format("15:04:05")), lvl, e.Message, extra)
}
