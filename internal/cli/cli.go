// ============================================================================
// eahd CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running and inspecting the epoch accounts hash
// pipeline
//
// Command Structure:
//   eahd                           # Root command
//   ├── run                        # Start pipeline + simulated validator
//   ├── status                     # Replay the journal, list archives
//   ├── verify <archive>           # Load and check one archive file
//   ├── --config, -c               # Config file (all commands)
//   └── --version
//
// run Command:
//   1. Load config file, apply defaults, validate
//   2. Build ledger forest and controller, restore the journal
//   3. Start metrics HTTP server and gossip gRPC server (if enabled)
//   4. Root simulated slots until SIGINT/SIGTERM or simulate.max_slots
//   5. Stop the controller (finishes the request in hand)
//
//   Examples:
//     ./eahd run
//     ./eahd run -c configs/default.yaml
//
// Services run under one errgroup; the first one to fail cancels the rest.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/eah-pipeline/internal/controller"
	"github.com/ChuLiYu/eah-pipeline/internal/epoch"
	"github.com/ChuLiYu/eah-pipeline/internal/gossip"
	"github.com/ChuLiYu/eah-pipeline/internal/ledger"
	"github.com/ChuLiYu/eah-pipeline/internal/metrics"
	"github.com/ChuLiYu/eah-pipeline/internal/snapshot"
	"github.com/ChuLiYu/eah-pipeline/internal/storage/wal"
	"github.com/ChuLiYu/eah-pipeline/pkg/types"
)

var configFile string

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "eahd",
		Short: "eahd: epoch accounts hash background pipeline",
		Long: `eahd runs the background accounts hash pipeline of a validator:
- one epoch accounts hash per epoch, inside the calculation window
- full and incremental snapshot archives with retention
- a transition journal for restarts
- gRPC peer announcements and Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildVerifyCommand())

	return rootCmd
}

func prepareConfig() (*Config, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var maxSlots uint64

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the pipeline with a simulated validator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := prepareConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-slots") {
				cfg.Simulate.MaxSlots = maxSlots
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg, cmd.ErrOrStderr(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().Uint64Var(&maxSlots, "max-slots", 0, "stop after this many slots (overrides simulate.max_slots)")
	return cmd
}

// runNode runs the pipeline until ctx is cancelled or the simulation ends.
func runNode(ctx context.Context, cfg *Config, logOut, out io.Writer) error {
	logger, err := newLogger(cfg.Log.Level, cfg.Log.Format, logOut)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewCollector(reg)

	var notifier gossip.Notifier
	if cfg.Gossip.Peer != "" {
		n, err := gossip.Dial(gossip.ClientConfig{
			Target:        cfg.Gossip.Peer,
			RatePerSecond: cfg.Gossip.RatePerSecond,
			Burst:         cfg.Gossip.Burst,
			Timeout:       cfg.Gossip.Timeout,
			Metrics:       m,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		defer n.Close()
		notifier = n
	}

	schedule, err := epoch.NewSchedule(cfg.Epoch.SlotsPerEpoch)
	if err != nil {
		return err
	}
	names, genesis := genesisAccounts(cfg.Simulate.Accounts)
	forest := ledger.NewForest(schedule, genesis)

	ctrl, err := controller.NewController(cfg.controllerConfig(notifier, m, logger), forest)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	forest.SetPrunedSender(ctrl.PrunedSender())
	forest.SetEpochAccountsHashManager(ctrl.EpochAccountsHash())

	ctrl.Start()
	defer ctrl.Stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port), reg)
		logger.Info("Starting metrics server", "port", cfg.Metrics.Port)
		g.Go(func() error { return srv.Run(gctx) })
	}

	if cfg.Gossip.Listen != "" {
		srv := gossip.NewServer(logger)
		srv.OnAnnouncement(func(a gossip.Announcement) {
			logger.Info("Peer announcement",
				"slot", a.Package.Slot, "kind", a.Package.Kind, "snapshot", a.Snapshot)
		})
		g.Go(func() error { return srv.Run(gctx, cfg.Gossip.Listen) })
	}

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-ctrl.Errors():
				logger.Error("Background calculation failed", "error", err)
			}
		}
	})

	sim := newSimulator(cfg, forest, ctrl.Router(), ctrl.EpochAccountsHash(), names, logger)
	var lastRoot types.Slot
	g.Go(func() error {
		root, err := sim.run(gctx)
		lastRoot = root
		if err != nil {
			return fmt.Errorf("simulation: %w", err)
		}
		if cfg.Simulate.MaxSlots == 0 {
			return nil
		}
		// finite run: let the pipeline drain, then shut everything down
		waitProcessed(gctx, ctrl, root)
		cancel()
		return nil
	})

	logger.Info("Node started",
		"slots_per_epoch", cfg.Epoch.SlotsPerEpoch,
		"load_only", cfg.snapshots().IsLoadOnly(),
		"journal", cfg.Journal.Path)

	err = g.Wait()
	ctrl.Stop()

	st := ctrl.Status()
	fmt.Fprintf(out, "root=%d processed=%d verified=%d archived=%d state=%s\n",
		lastRoot, st.Processed, st.Verified, st.Archived, st.State)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// waitProcessed blocks until the worker has handled slot and nothing is
// left waiting for the verifier or the packager.
func waitProcessed(ctx context.Context, ctrl *controller.Controller, slot types.Slot) {
	if slot == 0 {
		return
	}
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		st := ctrl.Status()
		drained := st.Verified+st.Rejected == st.Emitted && st.PendingArchive == 0
		if st.LastProcessedSlot >= slot && drained {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show journaled epoch accounts hashes and archives",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := prepareConfig()
			if err != nil {
				return err
			}
			return showStatus(cfg, events, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "dump every journal record")
	return cmd
}

func showStatus(cfg *Config, events bool, out io.Writer) error {
	fmt.Fprintf(out, "Journal: %s\n", cfg.Journal.Path)
	states, err := wal.LoadStates(cfg.Journal.Path)
	if err != nil {
		fmt.Fprintf(out, "  journal damaged: %v\n", err)
	}
	if len(states) == 0 {
		fmt.Fprintln(out, "  no epochs recorded")
	}
	for _, s := range states {
		fmt.Fprintf(out, "  %s\n", s)
	}
	if events {
		if err := wal.DumpWAL(cfg.Journal.Path, out); err != nil {
			fmt.Fprintf(out, "  dump stopped: %v\n", err)
		}
	}

	fmt.Fprintf(out, "Archives: %s\n", cfg.Snapshot.Dir)
	if _, err := os.Stat(cfg.Snapshot.Dir); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(out, "  none")
		return nil
	}
	store, err := snapshot.NewManager(snapshot.Config{Dir: cfg.Snapshot.Dir})
	if err != nil {
		return err
	}
	for _, kind := range []types.PackageKind{types.PackageFullSnapshot, types.PackageIncrementalSnapshot} {
		list, err := store.List(kind)
		if err != nil {
			return err
		}
		for _, info := range list {
			if kind == types.PackageIncrementalSnapshot {
				fmt.Fprintf(out, "  %-20s slot=%d base=%d %s\n", kind, info.Slot, info.BaseSlot, filepath.Base(info.Path))
				continue
			}
			fmt.Fprintf(out, "  %-20s slot=%d %s\n", kind, info.Slot, filepath.Base(info.Path))
		}
	}
	return nil
}

// ============================================================================
// verify
// ============================================================================

func buildVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <archive>",
		Short: "Check the schema and checksum of an archive file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return verifyArchive(args[0], cmd.OutOrStdout())
		},
	}
}

func verifyArchive(path string, out io.Writer) error {
	a, err := snapshot.Load(path)
	if err != nil {
		return fmt.Errorf("archive %s: %w", path, err)
	}
	pkg := a.Package
	fmt.Fprintf(out, "OK %s\n", path)
	fmt.Fprintf(out, "  kind:          %s\n", pkg.Kind)
	fmt.Fprintf(out, "  slot:          %d (epoch %d)\n", pkg.Slot, pkg.Epoch)
	if pkg.Kind == types.PackageIncrementalSnapshot {
		fmt.Fprintf(out, "  base slot:     %d\n", pkg.BaseSlot)
	}
	fmt.Fprintf(out, "  accounts hash: %s\n", pkg.AccountsHash)
	if pkg.EpochAccountsHash != nil {
		fmt.Fprintf(out, "  epoch hash:    %s\n", pkg.EpochAccountsHash)
	} else {
		fmt.Fprintln(out, "  epoch hash:    none")
	}
	fmt.Fprintf(out, "  archived at:   %s\n", time.UnixMilli(a.ArchivedAt).UTC().Format(time.RFC3339))
	return nil
}
