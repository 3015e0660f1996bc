package main

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/basekick-labs/arc-bench/internal/config"
	"github.com/basekick-labs/arc-bench/internal/driver"
	"github.com/basekick-labs/arc-bench/internal/logger"
	"github.com/basekick-labs/arc-bench/internal/shutdown"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const shutdownTimeout = 30 * time.Second

func newPhaseCmd(v *viper.Viper, use, short string, phases ...string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger.Setup(cfg.Log.Level, cfg.Log.Format)
			log := logger.Get("main")

			coord := shutdown.New(shutdownTimeout, logger.Get("shutdown"))
			sigCtx, stop := coord.NotifyContext(cmd.Context())
			defer stop()
			ctx, cancel := context.WithCancelCause(sigCtx)
			defer cancel(nil)

			b, err := newBench(ctx, cfg, coord, cancel)
			if err != nil {
				return err
			}
			defer func() {
				if err := b.Close(); err != nil {
					log.Warn().Err(err).Msg("Shutdown finished with errors")
				}
			}()

			log.Info().
				Str("version", Version).
				Str("driver", cfg.Driver.Name).
				Str("phases", phaseList(phases)).
				Uint64("load_mins", cfg.Workload.LoadMins).
				Uint32("devices", cfg.Workload.MaxDevices).
				Uint32("tables", cfg.Workload.DBTables).
				Int("threads", cfg.Workload.LoaderThreads).
				Msg("Starting arc-bench")

			return b.runPhases(ctx, phases...)
		},
	}
}

func newDriversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drivers",
		Short: "List storage drivers and their default options",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DRIVER\tOPTION\tDEFAULT")
			for _, name := range driver.Names() {
				defaults := driver.Defaults(name)
				if len(defaults) == 0 {
					fmt.Fprintf(w, "%s\t\t\n", name)
					continue
				}
				for _, k := range slices.Sorted(maps.Keys(defaults)) {
					fmt.Fprintf(w, "%s\t%s\t%s\n", name, k, defaults[k])
				}
			}
			return w.Flush()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "arc-bench %s\n", Version)
		},
	}
}
