package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Read the value from this file instead of the arguments
	valueFile string
)

func init() {
	addClientFlags(SetCmd)

	SetCmd.Flags().StringVarP(&valueFile, "file", "f", "", "Read the value from a file")
}

var SetCmd = &cobra.Command{
	Use:   "set <key> [value]",
	Short: "Write a key",
	Long: `Write a key. The value is the second argument, or the content of
the file given with --file.

Usage
	knownothing set name Matheus
	knownothing set avatar --file avatar.png
`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := setValue(args)
		if err != nil {
			return err
		}

		conn, ctx, cancel, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer cancel()
		defer conn.Disconnect()

		if err := conn.Set(ctx, args[0], value); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), "OK!")
		return nil
	},
}

func setValue(args []string) ([]byte, error) {
	switch {
	case valueFile != "" && len(args) == 2:
		return nil, errors.New("Give the value as an argument or with --file, not both")

	case valueFile != "":
		return os.ReadFile(valueFile)

	case len(args) == 2:
		return []byte(args[1]), nil

	default:
		return nil, errors.New("A value is required, either as an argument or with --file")
	}
}
