package main

import (
	"context"
	"fmt"
	"os"

	"github.com/basekick-labs/arc-bench/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return newRootCmd(config.NewViper()).ExecuteContext(context.Background())
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "arc-bench",
		Short: "Workload generator and benchmark driver for time-series stores",
		Long: `arc-bench - time-series workload generator.

Phases:
  arc-bench prepare        Bulk load LoadMins minutes of history per device
  arc-bench run            Advance time, mixing inserts with reads
  arc-bench all            Prepare, then run

Other commands:
  arc-bench drivers        List storage drivers and their defaults
  arc-bench version        Print the version

Configuration is read from arc-bench.toml (., /etc/arc-bench/,
$HOME/.arc-bench/), ARCBENCH_* environment variables and flags.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				v.SetConfigFile(configFile)
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "config file (default arc-bench.toml in the search path)")
	bindFlags(v, flags)

	rootCmd.AddCommand(newPhaseCmd(v, "prepare", "Bulk load history into the store", phasePrepare))
	rootCmd.AddCommand(newPhaseCmd(v, "run", "Run the mixed insert/read benchmark", phaseRun))
	rootCmd.AddCommand(newPhaseCmd(v, "all", "Prepare, then run the benchmark", phasePrepare, phaseRun))
	rootCmd.AddCommand(newDriversCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
