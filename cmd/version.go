package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luma/knownothing/internal/meta"
)

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := meta.GetInfo()
		out := cmd.OutOrStdout()

		fmt.Fprintf(out, "Version:    %s\n", info.Version)
		fmt.Fprintf(out, "Build:      %s\n", info.Build)
		fmt.Fprintf(out, "Branch:     %s\n", info.Branch)
		fmt.Fprintf(out, "Build time: %s\n", info.BuildTime)
		fmt.Fprintf(out, "Platform:   %s\n", info.Platform)
		fmt.Fprintf(out, "Go:         %s %s\n", info.GoVersion, info.GoTag)

		return nil
	},
}
