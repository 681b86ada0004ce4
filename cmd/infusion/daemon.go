package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/infusion/pkg/api"
	"github.com/cuemby/infusion/pkg/config"
	"github.com/cuemby/infusion/pkg/controller"
	"github.com/cuemby/infusion/pkg/device"
	"github.com/cuemby/infusion/pkg/doselog"
	"github.com/cuemby/infusion/pkg/events"
	"github.com/cuemby/infusion/pkg/log"
	"github.com/cuemby/infusion/pkg/metrics"
	"github.com/cuemby/infusion/pkg/nightscout"
	"github.com/cuemby/infusion/pkg/reconciler"
	"github.com/cuemby/infusion/pkg/recovery"
	"github.com/cuemby/infusion/pkg/storage"
)

const shutdownTimeout = 10 * time.Second

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the delivery controller",
	Long: `Run the delivery controller with its API, reconciler and reporters.

State and unconfirmed commands are kept in <data-dir>/infusion.db and the
dose history in <data-dir>/doses.db. A schedule in the config is sent to
the pump on startup.`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := log.WithComponent("daemon")
	metrics.SetVersion(Version)

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent(metrics.ComponentStore, true, "")

	queue, err := recovery.NewQueue(store)
	if err != nil {
		return fmt.Errorf("failed to load unconfirmed commands: %w", err)
	}

	doses, err := doselog.Open(filepath.Join(cfg.DataDir, doselog.DBFile))
	if err != nil {
		return fmt.Errorf("failed to open dose log: %w", err)
	}
	defer doses.Close()
	metrics.RegisterComponent(metrics.ComponentDoseLog, true, "")

	reporters := controller.MultiReporter{doses}
	if cfg.Nightscout.Enabled() {
		reporters = append(reporters, newNightscoutReporter(cfg))
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sim := device.NewSimulator(device.SimulatorConfig{
		PulseSize:      cfg.PulseSize(),
		ReservoirUnits: cfg.Device.ReservoirUnits,
	})

	ctrl, err := controller.New(controller.Config{
		Device:       sim,
		Reporter:     reporters,
		Recovery:     queue,
		Store:        store,
		Broker:       broker,
		PulseSize:    cfg.PulseSize(),
		MaxBolus:     cfg.Device.MaxBolus,
		MaxBasalRate: cfg.Device.MaxBasalRate,
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	if err := startup(cmd.Context(), cfg, ctrl); err != nil {
		return err
	}

	collector := metrics.NewCollector(ctrl, 15*time.Second)
	collector.Start()

	recon := reconciler.NewReconciler(ctrl, cfg.ReconcileInterval)
	recon.Start()

	errCh := make(chan error, 3)

	apiServer := api.NewServer(ctrl, doses, broker)
	go func() {
		if err := apiServer.Start(cfg.API.Listen); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()

	var metricsServer *api.Server
	if cfg.Metrics.Listen != "" {
		lis, err := net.Listen("tcp", cfg.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Metrics.Listen, err)
		}
		metricsServer = api.NewServer(ctrl, doses, broker)
		go func() {
			if err := metricsServer.Serve(lis, api.ReadOnly(metricsServer.Handler())); err != nil {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	var healthService *api.HealthService
	if cfg.GRPC.Listen != "" {
		healthService = api.NewHealthService(ctrl, api.DefaultHealthInterval)
		go func() {
			if err := healthService.Start(cfg.GRPC.Listen); err != nil {
				errCh <- fmt.Errorf("gRPC health error: %w", err)
			}
		}()
	}

	logger.Info().
		Str("data_dir", cfg.DataDir).
		Str("api", cfg.API.Listen).
		Str("metrics", cfg.Metrics.Listen).
		Str("grpc", cfg.GRPC.Listen).
		Bool("nightscout", cfg.Nightscout.Enabled()).
		Msg("Daemon started")
	fmt.Println("✓ Infusion daemon running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
		log.Info("Shutdown requested")
	case runErr = <-errCh:
		log.Warn(fmt.Sprintf("Shutting down after %v", runErr))
		fmt.Fprintf(os.Stderr, "\nError: %v\n", runErr)
	}

	recon.Stop()
	collector.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := apiServer.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("API shutdown failed")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("Metrics shutdown failed")
		}
	}
	if healthService != nil {
		healthService.Stop()
	}

	// last chance to hand finished doses to the reporters
	if err := ctrl.Finalize(ctx); err != nil {
		logger.Warn().Err(err).Msg("Final report failed; doses stay in the stored state")
	}

	log.Info("Daemon stopped")
	fmt.Println("✓ Shutdown complete")
	return runErr
}

func newNightscoutReporter(cfg *config.Config) *nightscout.Reporter {
	logger := log.WithComponent("daemon")
	client := nightscout.NewClient(cfg.Nightscout.URL, cfg.Nightscout.APISecret, cfg.Nightscout.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if status, err := client.GetStatus(ctx); err != nil {
		logger.Warn().Err(err).Str("url", cfg.Nightscout.URL).Msg("Nightscout not reachable; uploads will retry")
	} else {
		logger.Info().Str("name", status.Name).Str("version", status.Version).Msg("Connected to Nightscout")
	}
	return nightscout.NewReporter(client, cfg.Nightscout.EnteredBy, cfg.Nightscout.Device)
}

// startup reads the pump, settles commands left unconfirmed by the last
// run and sends the configured schedule. Without one, the stored program is
// sent to the simulator, which starts empty on every run.
func startup(ctx context.Context, cfg *config.Config, ctrl *controller.Controller) error {
	logger := log.WithComponent("daemon")

	if _, err := ctrl.RefreshStatus(ctx); err != nil {
		return fmt.Errorf("failed to read pump status: %w", err)
	}
	if n, err := ctrl.ResolveUncertain(ctx); err != nil {
		logger.Warn().Err(err).Msg("Unconfirmed commands remain")
	} else if n > 0 {
		logger.Info().Int("resolved", n).Msg("Resolved commands from previous run")
	}

	entries, err := cfg.BasalEntries()
	if err != nil {
		return err
	}
	stored := ctrl.Snapshot().BasalProgram

	switch {
	case len(entries) > 0:
		prog, err := ctrl.SetBasalSchedule(ctx, entries)
		if err != nil {
			return fmt.Errorf("failed to set basal schedule: %w", err)
		}
		logger.Info().Float64("daily_units", prog.TotalDailyUnits()).Msg("Basal schedule from config")
	case !stored.IsEmpty() && cfg.Device.Simulate:
		if _, err := ctrl.SetBasalSchedule(ctx, stored.Entries()); err != nil {
			return fmt.Errorf("failed to restore basal program: %w", err)
		}
	}
	return nil
}
