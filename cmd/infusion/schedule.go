package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/infusion/pkg/basal"
	"github.com/cuemby/infusion/pkg/client"
	"github.com/cuemby/infusion/pkg/config"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Compile or set basal schedules",
	Long: `Basal schedules are YAML lists of rates starting at a wall clock time:

  - start: "00:00"
    rate: 0.8
  - start: "06:30"
    rate: 1.2

Each rate runs until the next start; the last runs to midnight.`,
}

var scheduleCompileCmd = &cobra.Command{
	Use:   "compile -f FILE",
	Short: "Show the device program a schedule compiles to",
	Long: `Compile a schedule against the configured pulse size without
contacting the daemon. Boundaries are rounded to 30 minute slots and rates
to whole pulses per hour; anything the pump would refuse is reported.

Examples:
  infusion schedule compile -f basal.yaml
  infusion schedule compile -f basal.yaml --pulses-per-unit 72 --json`,
	RunE: runScheduleCompile,
}

var scheduleSetCmd = &cobra.Command{
	Use:   "set -f FILE",
	Short: "Send a schedule to the running daemon",
	RunE:  runScheduleSet,
}

func init() {
	scheduleCmd.AddCommand(scheduleCompileCmd)
	scheduleCmd.AddCommand(scheduleSetCmd)

	for _, c := range []*cobra.Command{scheduleCompileCmd, scheduleSetCmd} {
		c.Flags().StringP("file", "f", "", "Schedule YAML file (required)")
		_ = c.MarkFlagRequired("file")
	}
	scheduleCompileCmd.Flags().Int("pulses-per-unit", 0, "Override the configured pulse size")
	scheduleCompileCmd.Flags().Bool("json", false, "Print the program as JSON")
}

func readSchedule(path string) ([]config.ScheduleEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var entries []config.ScheduleEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%s has no schedule entries", path)
	}
	return entries, nil
}

func runScheduleCompile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if ppu, _ := cmd.Flags().GetInt("pulses-per-unit"); ppu > 0 {
		cfg.Device.PulsesPerUnit = ppu
	}

	path, _ := cmd.Flags().GetString("file")
	cfg.Schedule, err = readSchedule(path)
	if err != nil {
		return err
	}
	entries, err := cfg.BasalEntries()
	if err != nil {
		return err
	}

	prog, err := basal.Compile(entries, cfg.BasalConfig())
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(prog)
	}
	printProgram(cmd, prog)
	return nil
}

func runScheduleSet(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	entries, err := readSchedule(path)
	if err != nil {
		return err
	}

	resp, err := newClient(cmd).SetSchedule(cmd.Context(), entries)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Basal schedule set")
	printProgram(cmd, resp.Program)
	return nil
}

func printProgram(cmd *cobra.Command, prog basal.Program) {
	out := cmd.OutOrStdout()
	size := prog.PulseSize()

	fmt.Fprintf(out, "%-7s %-7s %-8s %s\n", "START", "END", "PULSES/H", "U/H")
	for _, seg := range prog.Segments() {
		start := time.Duration(seg.StartSlot) * prog.SlotDuration()
		end := time.Duration(seg.EndSlot) * prog.SlotDuration()
		fmt.Fprintf(out, "%-7s %-7s %-8d %.3f\n", clockString(start), clockString(end), seg.Rate, size.Units(seg.Rate))
	}
	fmt.Fprintf(out, "\nTotal: %.2f U/day (pulse %.4f U)\n", prog.TotalDailyUnits(), float64(size))
}

func clockString(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

func newClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	return client.NewClient(addr)
}
