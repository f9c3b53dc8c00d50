package gen

import (
	"github.com/spf13/cobra"
)

var RootCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate documentation for knownothing",
	Long:  `Generate documentation for knownothing, currently man pages.`,
}

func init() {
	RootCmd.AddCommand(ManPagesCmd)
}
