//go:build linux

package transport

import (
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBacklog         = 10
	DefaultWaitTimeout     = 10 * time.Second
	DefaultSweepEvery      = 1000
	DefaultEventBufferSize = 32
	DefaultReceiveBuffer   = 8192
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on, 0 picks a free port
	Port int

	// Backlog is the size of the pending connection queue
	Backlog int

	// IdleTimeout is how long a connection may go without activity before
	// it is reaped. Zero disables reaping.
	IdleTimeout time.Duration

	// WaitTimeout bounds a single wait for readiness events, an empty wait
	// triggers an idle sweep
	WaitTimeout time.Duration

	// SweepEvery runs the idle sweep every N loop iterations even when the
	// server is busy
	SweepEvery int

	// EventBufferSize is the maximum number of events handled per wait
	EventBufferSize int

	Socket SocketOptions

	Handler Handler

	// OnConnect and OnDisconnect are called on the reactor goroutine
	OnConnect    func(c *Conn)
	OnDisconnect func(c *Conn)

	Log *zap.Logger
}

func (o *Options) setDefaults() {
	if o.Backlog <= 0 {
		o.Backlog = DefaultBacklog
	}

	if o.WaitTimeout <= 0 {
		o.WaitTimeout = DefaultWaitTimeout
	}

	if o.SweepEvery <= 0 {
		o.SweepEvery = DefaultSweepEvery
	}

	if o.EventBufferSize <= 0 {
		o.EventBufferSize = DefaultEventBufferSize
	}

	if o.Socket.ReceiveBuffer <= 0 {
		o.Socket.ReceiveBuffer = DefaultReceiveBuffer
	}

	if o.Log == nil {
		o.Log = zap.NewNop()
	}
}
