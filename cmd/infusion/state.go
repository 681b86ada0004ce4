package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/infusion/pkg/delivery"
	"github.com/cuemby/infusion/pkg/recovery"
	"github.com/cuemby/infusion/pkg/storage"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect or back up the stored delivery state",
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored delivery state and unconfirmed commands",
	Long: `Print the delivery state as last persisted by the daemon.

The database is opened read-only. While the daemon is running this waits
briefly for its lock and fails; use "infusion status" against the API
instead.`,
	RunE: runStateShow,
}

var stateBackupCmd = &cobra.Command{
	Use:   "backup -o FILE",
	Short: "Write a consistent copy of the state database",
	RunE:  runStateBackup,
}

func init() {
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateBackupCmd)

	stateBackupCmd.Flags().StringP("output", "o", "", "Backup file (default: <data-dir>/infusion.db.backup)")
}

type storedState struct {
	State   *delivery.Snapshot `json:"state"`
	Pending []recovery.Pending `json:"pending"`
}

func runStateShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	store, err := storage.OpenReadOnly(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	var out storedState
	data, err := store.LoadState()
	if err != nil {
		return err
	}
	if data != nil {
		s, err := delivery.Unmarshal(data)
		if err != nil {
			return err
		}
		snap := s.Snapshot()
		out.State = &snap
	}
	if out.Pending, err = store.ListPending(); err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runStateBackup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		output = filepath.Join(cfg.DataDir, storage.DBFile+".backup")
	}

	store, err := storage.OpenReadOnly(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.BackupFile(output); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Backup written to %s\n", output)
	return nil
}
