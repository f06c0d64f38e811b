package main

// ---------------------------------------------------------------------------
// cmd_runbooks.go: list the running catalog, validate catalog files offline
// ---------------------------------------------------------------------------

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/1sec-project/warden/internal/runbook"
)

func runbooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "runbooks",
		Aliases: []string{"runbook", "rb"},
		Short:   "Inspect and validate runbook catalogs",
	}
	cmd.AddCommand(runbooksListCmd(), runbooksValidateCmd(), runbooksBuiltinCmd())
	return cmd
}

func runbooksListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runbooks loaded by the running engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				CatalogVersion string `json:"catalog_version"`
				Runbooks       []struct {
					ID            string   `json:"id"`
					Version       string   `json:"version"`
					Name          string   `json:"name"`
					IncidentTypes []string `json:"incident_types"`
					Actions       []string `json:"actions"`
					Source        string   `json:"source"`
				} `json:"runbooks"`
			}
			raw, err := newClient().getJSON("/api/v1/runbooks", &resp)
			if err != nil {
				return err
			}
			if jsonOutput() {
				printJSON(os.Stdout, raw)
				return nil
			}
			fmt.Fprintf(os.Stdout, "Catalog %s, %d runbooks\n", bold(str(nonEmpty(resp.CatalogVersion))), len(resp.Runbooks))
			t := NewTable(os.Stdout, "ID", "VERSION", "INCIDENT TYPES", "ACTIONS", "SOURCE")
			for _, rb := range resp.Runbooks {
				t.AddRow(rb.ID, rb.Version, strings.Join(rb.IncidentTypes, ","), strings.Join(rb.Actions, " → "), rb.Source)
			}
			t.Render()
			return nil
		},
	}
}

func runbooksValidateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "validate [file...]",
		Short: "Validate catalog files without a running engine",
		Long: `Parses each catalog file, compiles its predicates and checks it against the
built-in catalog. With no arguments the configured runbook directory is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if len(paths) == 0 {
				if dir == "" {
					if cfg, err := loadConfig(); err == nil {
						dir = cfg.Runbooks.Dir
					}
				}
				if dir == "" {
					return errors.New("no catalog files given and no runbook directory configured")
				}
				found, err := catalogFiles(dir)
				if err != nil {
					return err
				}
				paths = found
			}
			n, err := validateRunbooks(os.Stdout, paths)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%s %d runbooks valid across %d files\n", green("✓"), n, len(paths))
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "validate every .yaml/.yml file in this directory")
	return cmd
}

func runbooksBuiltinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "builtin",
		Short: "Print the compiled-in runbook catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := os.Stdout.Write(runbook.Builtin())
			return err
		},
	}
}

func catalogFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no catalog files in %s", dir)
	}
	sort.Strings(out)
	return out, nil
}

// validateRunbooks reports per-file results to w and returns the number of
// runbooks loaded from paths. Files are registered on top of the built-in
// catalog so that duplicate ids across files are caught.
func validateRunbooks(w io.Writer, paths []string) (int, error) {
	reg := runbook.NewRegistry(zerolog.Nop())
	if err := reg.LoadBuiltin(); err != nil {
		return 0, fmt.Errorf("built-in catalog: %w", err)
	}

	total := 0
	var failed int
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			fmt.Fprintf(w, "%s %s: %v\n", red("✗"), p, err)
			failed++
			continue
		}
		_, rbs, warnings, err := runbook.Parse(data, p)
		if err == nil {
			err = reg.LoadBytes(data, p)
		}
		if err != nil {
			fmt.Fprintf(w, "%s %s: %v\n", red("✗"), p, err)
			failed++
			continue
		}
		for _, warning := range warnings {
			fmt.Fprintf(w, "%s %s: %s\n", yellow("⚠"), p, warning)
		}
		ids := make([]string, 0, len(rbs))
		for _, rb := range rbs {
			ids = append(ids, rb.ID)
		}
		fmt.Fprintf(w, "%s %s: %s\n", green("✓"), p, strings.Join(ids, ", "))
		total += len(rbs)
	}
	if failed > 0 {
		return total, fmt.Errorf("%d of %d catalog files invalid", failed, len(paths))
	}
	return total, nil
}
