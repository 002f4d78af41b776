package main

import (
	"fmt"

	"taskrun/internal/version"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root taskrun command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "taskrun",
		Short:         "Run one task in an isolated worker process",
		Long:          "taskrun launches a worker executable, hands it one task over an\nauthenticated loopback channel, relays its output and reports the result.",
		Version:       fmt.Sprintf("taskrun %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newRunCmd(),
		newVersionCmd(),
	)

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the taskrun version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "taskrun %s\n", version.String())
		},
	}
}
