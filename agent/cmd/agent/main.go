package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type flags struct {
	configPath  string
	dumpMetrics bool
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "lumberjack-agent [file ...]",
		Short: "Ship log lines to a lumberjack collector",
		Long: `Reads lines from the given files (or stdin when none, or "-") and ships
each one as an event to the collector configured in the output section.
Exits once every line has been acknowledged or the shutdown timeout expires.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f, args, cmd.InOrStdin(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "config.yaml", "path to config file")
	cmd.Flags().BoolVar(&f.dumpMetrics, "dump-metrics", false, "write final metrics to stderr on exit")
	return cmd
}
