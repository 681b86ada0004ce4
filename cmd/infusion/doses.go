package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/infusion/pkg/dose"
	"github.com/cuemby/infusion/pkg/doselog"
)

var dosesCmd = &cobra.Command{
	Use:   "doses",
	Short: "Query the dose history",
}

var dosesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List finalized doses",
	Long: `List finalized doses from <data-dir>/doses.db, oldest first.

Examples:
  infusion doses list
  infusion doses list --since 72h
  infusion doses list --from 2026-03-14T00:00:00Z --to 2026-03-15T00:00:00Z`,
	RunE: runDosesList,
}

func init() {
	dosesCmd.AddCommand(dosesListCmd)

	dosesListCmd.Flags().Duration("since", 24*time.Hour, "Window ending now")
	dosesListCmd.Flags().String("from", "", "Range start (RFC 3339), overrides --since")
	dosesListCmd.Flags().String("to", "", "Range end (RFC 3339, default now)")
}

func runDosesList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	to := time.Now()
	if v, _ := cmd.Flags().GetString("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}
	}
	since, _ := cmd.Flags().GetDuration("since")
	from := to.Add(-since)
	if v, _ := cmd.Flags().GetString("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}
	}

	path := filepath.Join(cfg.DataDir, doselog.DBFile)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no dose log at %s: %w", path, err)
	}
	store, err := doselog.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	doses, err := store.List(ctx, from, to)
	if err != nil {
		return err
	}
	totals, err := store.Totals(ctx, from, to)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(doses) == 0 {
		fmt.Fprintln(out, "No doses in range")
		return nil
	}

	fmt.Fprintf(out, "%-20s %-11s %-8s %-10s %s\n", "START", "TYPE", "UNITS", "DURATION", "NOTE")
	for _, d := range doses {
		fmt.Fprintf(out, "%-20s %-11s %-8.2f %-10s %s\n",
			d.StartTime.Local().Format("2006-01-02 15:04:05"),
			d.Type,
			d.Units,
			durationOf(d),
			noteOf(d),
		)
	}

	types := make([]string, 0, len(totals))
	for t := range totals {
		types = append(types, string(t))
	}
	sort.Strings(types)
	fmt.Fprintln(out)
	for _, t := range types {
		fmt.Fprintf(out, "Total %-11s %.2f U\n", t, totals[dose.Type(t)])
	}
	return nil
}

func durationOf(d dose.Record) string {
	if d.Duration == nil {
		return "-"
	}
	return d.Duration.Round(time.Second).String()
}

func noteOf(d dose.Record) string {
	switch {
	case d.IsCancelled() && d.Type == dose.TypeTempBasal:
		return fmt.Sprintf("cancelled, %.2f U/h programmed", d.OriginalRate())
	case d.IsCancelled():
		return fmt.Sprintf("cancelled, %.2f U programmed", *d.ProgrammedUnits)
	default:
		return ""
	}
}
