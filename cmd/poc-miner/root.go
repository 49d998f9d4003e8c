package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-poc-miner/internal/config"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/hasher"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/logging"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/reader"
	"github.com/withObsrvr/obsrvr-poc-miner/internal/worker"
)

type rootFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "poc-miner",
		Short:         "Proof of capacity miner for Burst style networks",
		Version:       fmt.Sprintf("%s (%s)", Version, GitSHA),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMiner(cmd, flags)
		},
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "config.yaml", "path to the YAML config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Mine with the configured plots (default)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMiner(cmd, flags)
			},
		},
		&cobra.Command{
			Use:   "tiers",
			Short: "List the hasher tiers and accelerator backends",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				printTiers(cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "plots",
			Short: "List the plots and drives found in plot_dirs",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(flags.configPath)
				if err != nil {
					return err
				}
				return printPlots(cmd.OutOrStdout(), cfg)
			},
		},
	)
	return root
}

// runMiner loads the configuration and mines until the command context ends.
// A configuration without workers is reported and exits cleanly.
func runMiner(cmd *cobra.Command, flags *rootFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		slog.Error("failed to load config", "component", "main", "error", err)
		return err
	}

	closer := logging.Setup(logging.Config{
		Format:         cfg.LogFormat,
		Level:          cfg.ConsoleLogLevel,
		FilePath:       cfg.LogfilePath,
		FileLevel:      cfg.LogfileLogLevel,
		FileMaxSizeMB:  cfg.LogfileMaxSizeMB,
		FileMaxBackups: cfg.LogfileMaxBackups,
	})
	defer closer.Close()

	if err := cfg.Validate(); err != nil {
		if errors.Is(err, config.ErrNoWorkers) {
			slog.Error("no workers configured, nothing to do", "component", "main", "error", err)
			return nil
		}
		slog.Error("invalid config", "component", "main", "error", err)
		return err
	}

	if err := run(cmd.Context(), cfg); err != nil {
		slog.Error("miner failed", "component", "main", "error", err)
		return err
	}
	return nil
}

func printTiers(w io.Writer) {
	fmt.Fprintf(w, "cpu: %s\n", hasher.CPUDescription())
	fmt.Fprintf(w, "selected tier: %s\n", hasher.Select().Name())
	fmt.Fprintln(w, "hasher tiers:")
	for _, t := range hasher.Tiers() {
		fmt.Fprintf(w, "  %s\n", t)
	}
	fmt.Fprintln(w, "accelerator backends:")
	for _, b := range worker.Backends() {
		fmt.Fprintf(w, "  %s\n", b)
	}
}

func printPlots(w io.Writer, cfg config.Config) error {
	drives, err := reader.Discover(cfg.PlotDirs, cfg.HDDUseDirectIO, false)
	if err != nil {
		return err
	}
	for _, d := range drives {
		fmt.Fprintf(w, "drive %s: %d plots, %.4f TiB\n", d.ID, len(d.Plots), reader.TiB(d.Nonces))
		for _, p := range d.Plots {
			fmt.Fprintf(w, "  %s nonces=%d direct_io=%t\n", p.Path, p.Nonces, p.DirectIO())
			p.Close()
		}
	}
	fmt.Fprintf(w, "total: %d drives, %.4f TiB\n", len(drives), reader.TiB(reader.TotalNonces(drives)))
	return nil
}
