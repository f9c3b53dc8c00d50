package cmd

import (
	"github.com/spf13/cobra"
)

func init() {
	addClientFlags(GetCmd)
}

var GetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Read a key",
	Long: `Read a key and write its value to stdout.

A missing key, or any other error response, exits with status 1.

Usage
	knownothing get name
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, ctx, cancel, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer cancel()
		defer conn.Disconnect()

		value, err := conn.Get(ctx, args[0])
		if err != nil {
			return err
		}

		_, err = cmd.OutOrStdout().Write(value)
		return err
	},
}
