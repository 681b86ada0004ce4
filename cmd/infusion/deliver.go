package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/infusion/pkg/api"
	"github.com/cuemby/infusion/pkg/client"
	"github.com/cuemby/infusion/pkg/dose"
)

var bolusCmd = &cobra.Command{
	Use:   "bolus UNITS",
	Short: "Deliver a bolus",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		units, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid units %q", args[0])
		}
		resp, err := newClient(cmd).Bolus(cmd.Context(), units)
		return report(cmd, "Bolus started", resp, err)
	},
}

var cancelBolusCmd = &cobra.Command{
	Use:   "cancel-bolus",
	Short: "Stop the running bolus",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient(cmd).CancelBolus(cmd.Context())
		return report(cmd, "Bolus cancelled", resp, err)
	},
}

var tempBasalCmd = &cobra.Command{
	Use:   "temp-basal RATE",
	Short: "Override the basal rate (U/h) for a while",
	Long: `Start a temp basal at RATE U/h. The duration must be a whole number of
30 minute slots, up to 12h. A rate of 0 stops basal delivery for the
duration.

Examples:
  infusion temp-basal 1.5 --duration 90m
  infusion temp-basal 0 --duration 1h`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rate, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid rate %q", args[0])
		}
		duration, _ := cmd.Flags().GetDuration("duration")
		resp, err := newClient(cmd).TempBasal(cmd.Context(), rate, duration)
		return report(cmd, "Temp basal started", resp, err)
	},
}

var cancelTempCmd = &cobra.Command{
	Use:   "cancel-temp",
	Short: "Cancel the running temp basal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient(cmd).CancelTempBasal(cmd.Context())
		return report(cmd, "Temp basal cancelled", resp, err)
	},
}

var suspendCmd = &cobra.Command{
	Use:   "suspend",
	Short: "Stop all delivery",
	Long: `Suspend stops basal, temp basal and any running bolus. Delivery stays
stopped until "infusion resume"; --reminder asks the pump to alert after
the given time.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reminder, _ := cmd.Flags().GetDuration("reminder")
		resp, err := newClient(cmd).Suspend(cmd.Context(), reminder)
		return report(cmd, "Delivery suspended", resp, err)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the basal program",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient(cmd).Resume(cmd.Context())
		return report(cmd, "Delivery resumed", resp, err)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show delivery state and pump status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(cmd)
		refresh, _ := cmd.Flags().GetBool("refresh")
		if refresh {
			if _, err := c.Status(cmd.Context(), true); err != nil {
				return err
			}
		}
		state, err := c.State(cmd.Context())
		if err != nil {
			return err
		}
		printState(cmd, state)
		return nil
	},
}

func init() {
	tempBasalCmd.Flags().Duration("duration", 30*time.Minute, "Temp basal duration")
	suspendCmd.Flags().Duration("reminder", 0, "Resume reminder (0 for none)")
	statusCmd.Flags().Bool("refresh", false, "Read the pump before printing")

	rootCmd.AddCommand(bolusCmd)
	rootCmd.AddCommand(cancelBolusCmd)
	rootCmd.AddCommand(tempBasalCmd)
	rootCmd.AddCommand(cancelTempCmd)
	rootCmd.AddCommand(suspendCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
}

// report prints the outcome of a delivery command. An unconfirmed command
// is called out explicitly: it may have been delivered and must not be
// repeated blindly.
func report(cmd *cobra.Command, done string, resp *api.DoseResponse, err error) error {
	out := cmd.OutOrStdout()
	var apiErr *client.Error
	if errors.As(err, &apiErr) && apiErr.Unconfirmed() && apiErr.CommandID != "" {
		fmt.Fprintf(out, "⚠ Could not confirm command %s with the pump.\n", apiErr.CommandID)
		fmt.Fprintln(out, "  It may have been delivered. Check \"infusion status\" before retrying.")
		return err
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ %s: %s\n", done, describe(resp.Dose))
	return nil
}

func describe(d dose.Record) string {
	switch d.Type {
	case dose.TypeBolus:
		if d.IsCancelled() {
			return fmt.Sprintf("%.2f U of %.2f U delivered", d.Units, *d.ProgrammedUnits)
		}
		return fmt.Sprintf("%.2f U over %s", d.Units, durationOf(d))
	case dose.TypeTempBasal:
		if d.IsCancelled() {
			return fmt.Sprintf("%.2f U delivered in %s", d.Units, durationOf(d))
		}
		return fmt.Sprintf("%.2f U/h for %s", d.OriginalRate(), durationOf(d))
	default:
		return d.StartTime.Local().Format("15:04:05")
	}
}

func printState(cmd *cobra.Command, s *api.StateResponse) {
	out := cmd.OutOrStdout()
	snap := s.State

	delivering := "running"
	if snap.SuspendState.Suspended {
		delivering = "suspended since " + snap.SuspendState.At.Local().Format("15:04:05")
	}
	fmt.Fprintf(out, "Delivery:       %s\n", delivering)
	fmt.Fprintf(out, "Basal rate:     %.3f U/h\n", s.EffectiveRate)
	if !snap.BasalProgram.IsEmpty() {
		fmt.Fprintf(out, "Program:        %.2f U/day\n", snap.BasalProgram.TotalDailyUnits())
	} else {
		fmt.Fprintln(out, "Program:        none")
	}
	if snap.OpenBolus != nil {
		fmt.Fprintf(out, "Bolus:          %s\n", snap.OpenBolus)
	}
	if snap.OpenTempBasal != nil {
		fmt.Fprintf(out, "Temp basal:     %s\n", snap.OpenTempBasal)
	}
	fmt.Fprintf(out, "Unreported:     %d finalized doses\n", len(snap.FinalizedDoses))

	if s.Status != nil {
		fmt.Fprintf(out, "Reservoir:      %d pulses\n", s.Status.ReservoirPulses)
		if len(s.Status.Alarms) > 0 {
			fmt.Fprintf(out, "Alarms:         %v\n", s.Status.Alarms)
		}
	}
	if s.Unconfirmed {
		fmt.Fprintf(out, "⚠ Unconfirmed:  %d command(s) awaiting the pump\n", s.PendingCommands)
	}
}
