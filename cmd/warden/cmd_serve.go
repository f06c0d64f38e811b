package main

// ---------------------------------------------------------------------------
// cmd_serve.go: run the engine and its API
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/1sec-project/warden/internal/api"
	"github.com/1sec-project/warden/internal/core"
)

func serveCmd() *cobra.Command {
	var (
		logLevel string
		level    string
		mode     string
		dryRun   bool
		quiet    bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the warden engine and API",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			cfg, err := core.LoadConfig(path)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if level != "" {
				cfg.Autonomy.Level = level
			}
			if mode != "" {
				cfg.Execution.Mode = mode
			}

			warnings, err := cfg.Validate()
			if !quiet {
				for _, w := range warnings {
					fmt.Fprintf(os.Stderr, "%s %s\n", yellow("⚠"), w)
				}
			}
			if err != nil {
				return err
			}
			if !quiet {
				printBanner(os.Stderr)
			}

			engine, err := core.NewEngine(cfg)
			if err != nil {
				return err
			}
			engine.ConfigPath = path

			if dryRun {
				defer engine.Shutdown()
				fmt.Fprintf(os.Stdout, "%s Config valid. %d runbooks (catalog %s), autonomy %s, %s mode.\n",
					green("✓"), engine.Runbooks.Len(), engine.Runbooks.Version(), cfg.Autonomy.Level, cfg.Execution.Mode)
				return nil
			}

			if err := engine.Start(); err != nil {
				_ = engine.Shutdown()
				return fmt.Errorf("starting engine: %w", err)
			}
			srv := api.NewServer(engine)
			if err := srv.Start(); err != nil {
				_ = engine.Shutdown()
				return fmt.Errorf("starting API server: %w", err)
			}

			if !quiet {
				modeStr := yellow(cfg.Execution.Mode)
				if cfg.Execution.Mode == core.ModeLive {
					modeStr = red(cfg.Execution.Mode)
				}
				fmt.Fprintf(os.Stderr, "%s warden running: autonomy %s, %s mode, API on %s\n",
					green("✓"), bold(engine.Control.Effective().String()), modeStr, srv.Addr())
				fmt.Fprintf(os.Stderr, "%s Press Ctrl+C to stop, send SIGHUP to reload config\n", dim("▸"))
			}

			engine.WaitForSignal()

			if !quiet {
				fmt.Fprintf(os.Stderr, "\n%s Shutting down...\n", dim("▸"))
			}
			if err := srv.Stop(); err != nil {
				warnf("stopping API server: %v", err)
			}
			if err := engine.Shutdown(); err != nil {
				return err
			}
			if !quiet {
				fmt.Fprintf(os.Stderr, "%s warden stopped.\n", green("✓"))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&logLevel, "log-level", "", "log level override: debug, info, warn, error")
	f.StringVar(&level, "autonomy", "", "starting autonomy level override: L0-L3")
	f.StringVar(&mode, "mode", "", "execution mode override: simulate or live")
	f.BoolVar(&dryRun, "dry-run", false, "validate config and runbooks, then exit")
	f.BoolVarP(&quiet, "quiet", "q", false, "suppress banner and non-essential output")
	return cmd
}
