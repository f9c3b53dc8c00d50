package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/luma/knownothing/cmd/gen"
)

var RootCmd = &cobra.Command{
	Use:   "knownothing",
	Short: "Know Nothing key/value server",
	Long: `Know Nothing is a single threaded key/value server speaking the
Know Nothing V1 binary protocol over TCP.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.AddCommand(StartCmd)
	RootCmd.AddCommand(GetCmd)
	RootCmd.AddCommand(SetCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

// Execute runs the root command, any error exits with status 1.
func Execute() {
	if err := RootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
