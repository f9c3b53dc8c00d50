package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/luma/knownothing/client"
)

var (
	// The server to connect to
	addr string

	// How long a get or set may take, including connecting
	timeout time.Duration
)

func addClientFlags(cmd *cobra.Command) {
	flags := cmd.Flags()

	flags.StringVarP(&addr, "addr", "a", "127.0.0.1:9000", "The server address")
	flags.DurationVarP(&timeout, "timeout", "t", 5*time.Second, "How long to wait for the server")
}

// connect returns a connected client and a context bounded by --timeout.
func connect(parent context.Context) (*client.Conn, context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)

	conn := client.New(nil)
	if err := conn.Connect(ctx, addr); err != nil {
		cancel()
		return nil, nil, nil, err
	}

	return conn, ctx, cancel, nil
}
