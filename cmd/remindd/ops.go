package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"remindd/internal/app"
	"remindd/internal/config"
	"remindd/internal/definitions"
	"remindd/internal/reminder"
)

func tickCmd(c *cli) *cobra.Command {
	var sync bool
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one polling pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(c.configPath())
			if err != nil {
				return err
			}
			defer a.Close()

			if sync {
				if _, err := a.SyncDefinitions(cmd.Context()); err != nil && !errors.Is(err, app.ErrNoDefinitionsFile) {
					return err
				}
			}
			rep, tickErr := a.Tick(cmd.Context())
			if c.jsonOutput() {
				if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
					return err
				}
				return tickErr
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"Due", "Fired", "Acked", "Advanced", "Completed", "Failed", "Skipped", "Conflicts", "Errors"})
			tw.AppendRow(table.Row{rep.Due, rep.Fired, rep.Acknowledged, rep.Advanced, rep.Completed, rep.Failed, rep.Skipped, rep.Conflicts, rep.Errors})
			tw.Render()
			return tickErr
		},
	}
	cmd.Flags().BoolVar(&sync, "sync", true, "apply the definitions file before ticking")
	return cmd
}

func validateCmd(c *cli) *cobra.Command {
	var defsPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the config and definitions files without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigManager(c.configPath()).Parse()
			if err != nil {
				return err
			}
			if err := app.ValidateConfig(cmd.Context(), cfg); err != nil {
				return err
			}
			if defsPath == "" {
				defsPath = strings.TrimSpace(cfg.Definitions.Path)
			}
			if defsPath == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "config ok; no definitions file configured")
				return nil
			}
			defs, err := definitions.Load(defsPath)
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), defs)
			}
			printDefinitions(cmd, defs)
			return nil
		},
	}
	cmd.Flags().StringVar(&defsPath, "definitions", "", "definitions file (defaults to definitions.path)")
	return cmd
}

func printDefinitions(cmd *cobra.Command, defs []*reminder.Definition) {
	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	tw.AppendHeader(table.Row{"ID", "Domain", "Case type", "Method", "Start", "Until", "Events", "Iterations"})
	for _, d := range defs {
		tw.AppendRow(table.Row{d.ID, d.Domain, d.CaseType, d.Method, d.StartCondition, d.UntilCondition, len(d.Events), d.MaxIterationCount})
	}
	tw.Render()
}

func reconcileCmd(c *cli) *cobra.Command {
	var domain string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile every open case against the active definitions",
		Long: `reconcile re-evaluates every open case: missing reminders are spawned,
reminders of closed cases are retired and until-conditions are re-checked.
Run it after bulk case imports.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(c.configPath())
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.SyncDefinitions(cmd.Context()); err != nil && !errors.Is(err, app.ErrNoDefinitionsFile) {
				return err
			}
			rep, err := a.ReconcileAll(cmd.Context(), domain, time.Now().UTC())
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), rep)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"Definitions", "Cases", "Failed"})
			tw.AppendRow(table.Row{rep.Definitions, rep.Cases, rep.Failed})
			tw.Render()
			if rep.Failed > 0 {
				fmt.Fprintf(os.Stderr, "%d case(s) failed to reconcile, see the log\n", rep.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "only this domain (default: all)")
	return cmd
}
