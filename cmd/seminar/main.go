// Command seminar runs the classroom server or joins a classroom as a client.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev" // set via ldflags at build time

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "seminar",
		Short: "Real-time Socratic classroom server and client",
		Long: `Seminar hosts live classrooms: a teacher leads a staged dialogue,
students post messages, raise hands and vote, and every participant
sees the same state.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(newServeCmd(), newJoinCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "seminar", version)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
