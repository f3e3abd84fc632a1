// Package main is the entry point for the polis-governor binary.
// It runs the admission governor as a daemon with an HTTP admin API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-governor/internal/governance"
	"github.com/polisai/polis-governor/pkg/admin"
	"github.com/polisai/polis-governor/pkg/config"
	"github.com/polisai/polis-governor/pkg/control"
	"github.com/polisai/polis-governor/pkg/domain"
	"github.com/polisai/polis-governor/pkg/logging"
	"github.com/polisai/polis-governor/pkg/scheduler"
	"github.com/polisai/polis-governor/pkg/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-governor
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-governor",
		Short: "Admission governor for outbound data resource calls",
		Long: `Enforces per-resource token bucket quotas, queues excess demand by
priority and honours a global pause signal.

Example:
  polis-governor serve --config governor.yaml`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "Enable human readable logging")

	rootCmd.AddCommand(newServeCmd(), newValidateCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the governor and its admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(logging.Config{
				Level:  cfg.Logging.Level,
				Pretty: cfg.Logging.Pretty,
			})
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			logger.Info("Starting polis-governor", "version", version, "resources", len(cfg.Governor.Resources))
			return run(ctx, cfg, logger)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file and policy without starting the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			logger := slog.New(slog.DiscardHandler)
			gov, err := governance.NewGovernor(cfg.Governor.Resources, governance.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() { _ = gov.Close() }()

			state := control.NewState(control.Signal{Paused: cfg.Control.Paused, Focus: cfg.Control.Focus})
			if _, err := buildPrioritizer(cmd.Context(), cfg.Scheduler, state, logger); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "configuration OK: %d resource(s)\n", len(gov.Resources()))
			for _, name := range gov.Resources() {
				stats, _ := gov.BucketStats(name)
				_, _ = fmt.Fprintf(out, "  %s capacity=%g refill_rate=%g/s cost=%g\n",
					name, stats.Capacity, stats.RefillRate, stats.Cost)
			}
			return nil
		},
	}
}

// loadConfig reads the file named by --config and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
		if err := cfg.Logging.Validate(); err != nil {
			return nil, err
		}
	}
	if pretty, _ := cmd.Flags().GetBool("pretty"); pretty {
		cfg.Logging.Pretty = true
	}
	return cfg, nil
}

// buildPrioritizer returns the Rego scheduler when a policy file is
// configured and the focus rule scheduler otherwise.
func buildPrioritizer(ctx context.Context, cfg config.SchedulerConfig, focus scheduler.FocusSource, logger *slog.Logger) (scheduler.Prioritizer, error) {
	module, err := cfg.LoadPolicy()
	if err != nil {
		return nil, err
	}
	if module == "" {
		return scheduler.New(cfg.Config, focus)
	}
	return scheduler.NewRego(ctx, scheduler.RegoConfig{
		Config:     cfg.Config,
		Module:     module,
		ModuleName: cfg.PolicyFile,
		Query:      cfg.Query,
		Logger:     logger,
	}, focus)
}

// run wires the governor, control signals and admin API and blocks until ctx
// ends or a component fails.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	promMetrics := telemetry.NewPrometheusMetrics()
	gov, err := governance.NewGovernor(cfg.Governor.Resources,
		governance.WithLogger(logger),
		governance.WithRefillInterval(cfg.Governor.RefillInterval),
		governance.WithObservers(telemetry.MetricsObserver{}, promMetrics, queueLogger(logger)),
	)
	if err != nil {
		return err
	}
	if err := promMetrics.WatchBuckets(gov); err != nil {
		return fmt.Errorf("register bucket metrics: %w", err)
	}

	state := control.NewState(control.Signal{Paused: cfg.Control.Paused, Focus: cfg.Control.Focus})
	gov.SetPaused(state.Paused())
	prioritizer, err := buildPrioritizer(ctx, cfg.Scheduler, state, logger)
	if err != nil {
		_ = gov.Close()
		return err
	}

	handler, err := admin.NewHandler(admin.Config{
		Governor:    gov,
		Prioritizer: prioritizer,
		Control:     state,
		Metrics:     promMetrics.Handler(),
		Logger:      logger,
	})
	if err != nil {
		_ = gov.Close()
		return err
	}

	if cfg.Control.File != "" {
		watcher, err := control.NewFileWatcher(cfg.Control.File, state, control.WithWatcherLogger(logger))
		if err != nil {
			_ = gov.Close()
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			_ = gov.Close()
			return err
		}
		defer func() {
			if err := watcher.Stop(); err != nil {
				logger.Warn("Failed to stop control file watcher", "error", err)
			}
		}()
	}

	server := admin.NewServer(admin.ServerConfig{
		Address:         cfg.Server.AdminAddress,
		TLS:             cfg.Server.TLS,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          logger,
	}, handler)
	// Nothing between Listen and Serve may fail.
	if _, err := server.Listen(); err != nil {
		_ = gov.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(gov.Run(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(gov.WatchPause(gctx, state.PauseSignal(gctx)))
	})
	g.Go(func() error {
		return server.Serve(gctx)
	})
	g.Go(func() error {
		// Releases queued admissions so in-flight admin requests can finish.
		<-gctx.Done()
		return gov.Close()
	})

	err = g.Wait()
	logger.Info("polis-governor stopped")
	return err
}

// queueLogger logs queue transitions at debug level.
func queueLogger(logger *slog.Logger) domain.AdmissionObserver {
	return domain.AdmissionObserverFunc(func(ev domain.AdmissionEvent) {
		if !logger.Enabled(context.Background(), slog.LevelDebug) {
			return
		}
		logger.Debug("Admission event",
			"event", string(ev.Kind),
			"resource", ev.Resource,
			"request_id", ev.RequestID,
			"priority", ev.Priority,
			"waited", ev.Waited.String())
	})
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
