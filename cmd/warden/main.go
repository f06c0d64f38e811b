package main

// ---------------------------------------------------------------------------
// main.go: command tree for the warden CLI
//
// Command implementations live in cmd_*.go. Shared helpers are in
// helpers.go, http.go, output.go and banner.go.
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/1sec-project/warden/internal/core"
)

var (
	version   = "0.4.0"
	commit    = "dev"
	buildDate = "unknown"
)

// globalOpts are the persistent flags shared by every command.
type globalOpts struct {
	configPath string
	host       string
	port       int
	apiKey     string
	token      string
	format     string
	timeout    time.Duration
}

var opts globalOpts

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "warden",
		Short:         "Autonomy-gated incident response engine",
		Long:          "warden classifies detections, selects runbooks and executes containment actions behind safety gates, approvals and a kill-switch.",
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "config file path (env: WARDEN_CONFIG, default: configs/warden.yaml)")
	pf.StringVar(&opts.host, "host", "", "API host override (env: WARDEN_HOST)")
	pf.IntVar(&opts.port, "port", 0, "API port override (env: WARDEN_PORT)")
	pf.StringVar(&opts.apiKey, "api-key", "", "API key (env: WARDEN_API_KEY)")
	pf.StringVar(&opts.token, "token", "", "operator token from 'warden login' (env: WARDEN_TOKEN)")
	pf.StringVarP(&opts.format, "format", "o", "table", "output format: table or json")
	pf.DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		serveCmd(),
		statusCmd(),
		submitCmd(),
		incidentsCmd(),
		autonomyCmd(),
		killSwitchCmd(),
		reloadCmd(),
		approvalsCmd(),
		runbooksCmd(),
		auditCmd(),
		logsCmd(),
		loginCmd(),
		logoutCmd(),
		hashPasswordCmd(),
	)
	return root
}

func main() {
	core.Version = version
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("error: ")+err.Error())
		os.Exit(1)
	}
}
