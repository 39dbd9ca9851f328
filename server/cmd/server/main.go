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
	configPath string
	printJSON  bool
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "lumberjack-collector",
		Short: "Development lumberjack collector",
		Long: `Accepts lumberjack connections over TLS, acknowledges every window and
keeps received events in memory for inspection over the JSON API.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "config.yaml", "path to config file")
	cmd.Flags().BoolVar(&f.printJSON, "print", false, "write every received event to stdout as a JSON line")
	return cmd
}
