package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/smartcontrolx/scx/internal/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// Skip settings loading so a broken settings file does not block it.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "scx %s (%s) %s %s/%s\n",
				version.VERSION, version.Commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
