//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"github.com/luma/knownothing/protocol"
)

// Conn is the reactor's state for one accepted client. It is owned by the
// reactor goroutine and must not be retained by handlers past Exchange.
type Conn struct {
	ctx context.Context

	fd   int
	peer netip.AddrPort

	startedAt    time.Time
	lastActivity time.Time
	iterations   uint64

	in *protocol.Assembler

	// scratch is the reactor's receive buffer, shared by every connection
	scratch []byte

	receiveTimeout time.Duration
	sendTimeout    time.Duration

	// deadline caps the total time source may spend waiting during one
	// exchange, however slowly the bytes trickle in
	deadline time.Time

	eof bool
	err error
}

func newConn(ctx context.Context, fd int, peer netip.AddrPort, scratch []byte, opts SocketOptions) *Conn {
	now := time.Now()

	c := &Conn{
		ctx:            ctx,
		fd:             fd,
		peer:           peer,
		startedAt:      now,
		lastActivity:   now,
		scratch:        scratch,
		receiveTimeout: opts.ReceiveTimeout,
		sendTimeout:    opts.SendTimeout,
	}

	c.in = protocol.NewAssembler(c.source)
	return c
}

// Context is cancelled when the reactor stops serving.
func (c *Conn) Context() context.Context {
	if c == nil || c.ctx == nil {
		return context.Background()
	}

	return c.ctx
}

func (c *Conn) Fd() int                 { return c.fd }
func (c *Conn) Peer() netip.AddrPort    { return c.peer }
func (c *Conn) StartedAt() time.Time    { return c.startedAt }
func (c *Conn) LastActivity() time.Time { return c.lastActivity }
func (c *Conn) Iterations() uint64      { return c.iterations }

func (c *Conn) String() string {
	if c == nil {
		return "conn(nil)"
	}

	return fmt.Sprintf("conn(fd=%d, peer=%s)", c.fd, c.peer)
}

// drain reads until the socket has nothing more to give. The edge triggered
// poller will not report the connection again until new bytes arrive, so
// stopping early would strand data in the kernel.
func (c *Conn) drain() int {
	total := 0

	for !c.eof && c.err == nil {
		data := c.read()
		c.in.Put(data)
		total += len(data)

		if len(data) < len(c.scratch) {
			break
		}
	}

	return total
}

// source feeds the assembler while a request is being parsed. Each call waits
// at most receiveTimeout for more bytes, and never past the exchange deadline.
func (c *Conn) source() []byte {
	if c.eof || c.err != nil {
		return nil
	}

	wait := c.receiveTimeout
	if !c.deadline.IsZero() {
		remaining := time.Until(c.deadline)
		if remaining <= 0 {
			return nil
		}

		wait = min(wait, remaining)
	}

	ready, err := waitFor(c.fd, unix.POLLIN, wait)
	if err != nil {
		c.err = err
		return nil
	}

	if !ready {
		return nil
	}

	return c.read()
}

// read does a single read into the scratch buffer. The result is only valid
// until the next read on any connection.
func (c *Conn) read() []byte {
	for {
		n, err := unix.Read(c.fd, c.scratch)

		switch {
		case errors.Is(err, unix.EINTR):
			continue

		case errors.Is(err, unix.EAGAIN):
			return nil

		case err != nil:
			c.err = err
			return nil

		case n == 0:
			c.eof = true
			return nil
		}

		return c.scratch[:n]
	}
}

// write sends all of data, waiting at most sendTimeout each time the socket
// buffer is full.
func (c *Conn) write(data []byte) (int, error) {
	written := 0

	for written < len(data) {
		n, err := unix.Write(c.fd, data[written:])
		if n > 0 {
			written += n
		}

		switch {
		case err == nil:
			continue

		case errors.Is(err, unix.EINTR):
			continue

		case !errors.Is(err, unix.EAGAIN):
			return written, err
		}

		ready, err := waitFor(c.fd, unix.POLLOUT, c.sendTimeout)
		if err != nil {
			return written, err
		}

		if !ready {
			return written, ErrSendTimeout
		}
	}

	return written, nil
}

func (c *Conn) close() error {
	return unix.Close(c.fd)
}

// connTable maps file descriptors to connections. It is only touched by the
// reactor goroutine.
type connTable struct {
	conns map[int]*Conn
}

func newConnTable() connTable {
	return connTable{conns: make(map[int]*Conn)}
}

func (t *connTable) add(c *Conn) {
	t.conns[c.fd] = c
}

func (t *connTable) get(fd int) *Conn {
	return t.conns[fd]
}

func (t *connTable) remove(fd int) {
	delete(t.conns, fd)
}

func (t *connTable) len() int {
	return len(t.conns)
}

// idle returns every connection whose last activity is at least timeout ago.
func (t *connTable) idle(now time.Time, timeout time.Duration) []*Conn {
	var idle []*Conn

	for _, c := range t.conns {
		if now.Sub(c.lastActivity) >= timeout {
			idle = append(idle, c)
		}
	}

	return idle
}

func (t *connTable) all() []*Conn {
	all := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		all = append(all, c)
	}

	return all
}
