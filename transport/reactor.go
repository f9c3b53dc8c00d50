//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	ErrNotListening = errors.New("Reactor is not listening, call Listen first")
	ErrServing      = errors.New("Reactor is already serving")
)

// Stats is a point in time copy of the reactor counters.
type Stats struct {
	Active       int64  `json:"active"`
	Accepted     uint64 `json:"accepted"`
	Disconnected uint64 `json:"disconnected"`
	Reaped       uint64 `json:"reaped"`
	Exchanges    uint64 `json:"exchanges"`
	BytesRead    uint64 `json:"bytes_read"`
	BytesWritten uint64 `json:"bytes_written"`
}

type counters struct {
	active       atomic.Int64
	accepted     atomic.Uint64
	disconnected atomic.Uint64
	reaped       atomic.Uint64
	exchanges    atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// Reactor accepts connections and serves them from a single goroutine.
//
// Listen, then Serve (blocking) or Start (background). Stop asks the loop to
// exit and Close releases every connection, the listener and the poller.
type Reactor struct {
	opts Options
	log  *zap.Logger

	listenFd int
	addr     netip.AddrPort
	poller   *Poller

	// Only touched by the serving goroutine
	conns      connTable
	scratch    []byte
	iterations uint64

	// fds closed while handling the current batch of events
	retired map[int]struct{}

	serving  atomic.Bool
	stopping atomic.Bool
	done     chan struct{}

	stats counters
}

func NewReactor(options Options) *Reactor {
	options.setDefaults()

	return &Reactor{
		opts:     options,
		log:      options.Log,
		listenFd: -1,
		conns:    newConnTable(),
		retired:  make(map[int]struct{}),
		scratch:  make([]byte, options.Socket.ReceiveBuffer),
		done:     make(chan struct{}),
	}
}

// Listen creates the listening socket and the poller. Every failure is a
// *StartupError.
func (r *Reactor) Listen() error {
	if r.poller != nil {
		return nil
	}

	if r.opts.Handler == nil {
		return &StartupError{Op: "configure", Err: errors.New("no handler")}
	}

	addr, err := resolveListenAddr(r.opts.Host, r.opts.Port)
	if err != nil {
		return &StartupError{Op: "resolve", Err: err}
	}

	fd, bound, err := listenTCP(addr, r.opts.Backlog)
	if err != nil {
		return err
	}

	poller, err := MakePoller(r.opts.EventBufferSize)
	if err != nil {
		unix.Close(fd)
		return &StartupError{Op: "epoll", Err: err}
	}

	if err := poller.Add(fd); err != nil {
		unix.Close(fd)
		poller.Close()
		return &StartupError{Op: "epoll register", Err: err}
	}

	r.listenFd = fd
	r.addr = bound
	r.poller = poller

	r.log.Info("Listening",
		zap.Stringer("addr", bound),
		zap.Int("backlog", r.opts.Backlog))

	return nil
}

// Addr is the bound address, useful when listening on port 0.
func (r *Reactor) Addr() netip.AddrPort {
	return r.addr
}

// Serve runs the event loop until ctx is cancelled or Stop is called.
func (r *Reactor) Serve(ctx context.Context) error {
	if !r.serving.CompareAndSwap(false, true) {
		return ErrServing
	}

	return r.serve(ctx)
}

// Start listens and then serves in a new goroutine.
func (r *Reactor) Start(ctx context.Context) error {
	if err := r.Listen(); err != nil {
		return err
	}

	if !r.serving.CompareAndSwap(false, true) {
		return ErrServing
	}

	go func() {
		if err := r.serve(ctx); err != nil {
			r.log.Error("Reactor stopped", zap.Error(err))
		}
	}()

	return nil
}

// Stop asks the event loop to exit. It is safe to call from any goroutine and
// more than once.
func (r *Reactor) Stop() {
	if r.stopping.Swap(true) {
		return
	}

	if r.poller != nil {
		if err := r.poller.Wake(); err != nil {
			r.log.Warn("Failed to wake the event loop", zap.Error(err))
		}
	}
}

// Close stops the loop, waits for it to exit, then closes every connection,
// the listening socket and the poller.
func (r *Reactor) Close() (err error) {
	r.Stop()

	if r.serving.Load() {
		<-r.done
	}

	for _, c := range r.conns.all() {
		if cerr := r.disconnect(c, "server closing"); cerr != nil {
			err = multierr.Append(err, cerr)
		}
	}

	if r.listenFd >= 0 {
		err = multierr.Append(err, unix.Close(r.listenFd))
		r.listenFd = -1
	}

	if r.poller != nil {
		err = multierr.Append(err, r.poller.Close())
		r.poller = nil
	}

	return err
}

func (r *Reactor) Stats() Stats {
	return Stats{
		Active:       r.stats.active.Load(),
		Accepted:     r.stats.accepted.Load(),
		Disconnected: r.stats.disconnected.Load(),
		Reaped:       r.stats.reaped.Load(),
		Exchanges:    r.stats.exchanges.Load(),
		BytesRead:    r.stats.bytesRead.Load(),
		BytesWritten: r.stats.bytesWritten.Load(),
	}
}

func (r *Reactor) serve(ctx context.Context) error {
	defer close(r.done)

	if r.poller == nil {
		return ErrNotListening
	}

	go func() {
		select {
		case <-ctx.Done():
			r.Stop()
		case <-r.done:
		}
	}()

	r.log.Info("Serving", zap.Stringer("addr", r.addr))

	events := make([]Event, 0, r.opts.EventBufferSize)

	for !r.stopping.Load() {
		var err error

		events, err = r.poller.Wait(r.opts.WaitTimeout, events[:0])
		if err != nil {
			return fmt.Errorf("Failed to wait for events: %w", err)
		}

		r.iterations++

		if len(events) == 0 {
			r.sweep(time.Now())
			continue
		}

		r.handleBatch(ctx, events)

		if r.iterations%uint64(r.opts.SweepEvery) == 0 {
			r.sweep(time.Now())
		}
	}

	r.log.Info("Stopped serving",
		zap.Int("connections", r.conns.len()))

	return nil
}

// handleBatch handles one batch of events from Wait. An fd closed earlier in
// the batch can be handed out again by accept, so the events still queued for
// it belong to the old connection and are dropped.
func (r *Reactor) handleBatch(ctx context.Context, events []Event) {
	clear(r.retired)

	for _, ev := range events {
		if r.stopping.Load() {
			break
		}

		if _, ok := r.retired[ev.Fd]; ok {
			continue
		}

		r.handle(ctx, ev)
	}
}

func (r *Reactor) handle(ctx context.Context, ev Event) {
	if ev.Fd == r.listenFd {
		r.acceptAll(ctx)
		return
	}

	c := r.conns.get(ev.Fd)
	if c == nil {
		// Not ours any more, make sure epoll forgets it
		r.poller.Delete(ev.Fd)
		return
	}

	if ev.Flags&EventClose != 0 {
		r.disconnect(c, "peer hung up")
		return
	}

	if ev.Flags&EventRead != 0 {
		r.serveConn(c)
	}
}

// acceptAll accepts until the backlog is empty, the listener is edge
// triggered so anything left behind would wait for the next client.
func (r *Reactor) acceptAll(ctx context.Context) {
	for {
		fd, peer, err := accept(r.listenFd)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				return

			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue

			default:
				r.log.Warn("Failed to accept connection", zap.Error(err))
				return
			}
		}

		if err := applySocketOptions(fd, r.opts.Socket); err != nil {
			r.log.Warn("Failed to apply socket options",
				zap.Stringer("peer", peer),
				zap.Error(err))
		}

		if err := r.poller.Add(fd); err != nil {
			r.log.Warn("Failed to register connection",
				zap.Stringer("peer", peer),
				zap.Error(err))

			unix.Close(fd)
			continue
		}

		c := newConn(ctx, fd, peer, r.scratch, r.opts.Socket)
		r.conns.add(c)

		r.stats.accepted.Add(1)
		r.stats.active.Add(1)

		r.log.Debug("Accepted connection", zap.Stringer("conn", c))

		if r.opts.OnConnect != nil {
			r.opts.OnConnect(c)
		}
	}
}

// serveConn reads what is available, runs the handler and writes the
// response. A panic here only costs this connection.
func (r *Reactor) serveConn(c *Conn) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("Recovered from panic while serving connection",
				zap.Stringer("conn", c),
				zap.Any("panic", p),
				zap.Stack("stack"))

			r.disconnect(c, "panic")
		}
	}()

	c.lastActivity = time.Now()
	c.iterations++

	if n := c.drain(); n > 0 {
		r.stats.bytesRead.Add(uint64(n))
	}

	if c.in.HasRemaining() {
		c.deadline = time.Now().Add(c.receiveTimeout)
		out := r.opts.Handler.Exchange(c, c.in)
		c.deadline = time.Time{}
		r.stats.exchanges.Add(1)

		if len(out) > 0 {
			n, err := c.write(out)
			r.stats.bytesWritten.Add(uint64(n))

			if err != nil {
				r.log.Warn("Failed to write response",
					zap.Stringer("conn", c),
					zap.Error(err))

				r.disconnect(c, "write failed")
				return
			}
		}

		c.lastActivity = time.Now()
	}

	if c.err != nil {
		r.log.Warn("Failed to read from connection",
			zap.Stringer("conn", c),
			zap.Error(c.err))

		r.disconnect(c, "read failed")
		return
	}

	if c.eof {
		r.disconnect(c, "closed by peer")
	}
}

// sweep disconnects every connection that has been idle for IdleTimeout.
func (r *Reactor) sweep(now time.Time) {
	if r.opts.IdleTimeout <= 0 {
		return
	}

	for _, c := range r.conns.idle(now, r.opts.IdleTimeout) {
		r.stats.reaped.Add(1)
		r.disconnect(c, "idle")
	}
}

func (r *Reactor) disconnect(c *Conn, reason string) error {
	if r.conns.get(c.fd) != c {
		return nil
	}

	r.conns.remove(c.fd)
	r.retired[c.fd] = struct{}{}

	r.poller.Delete(c.fd)

	err := c.close()
	if err != nil {
		err = fmt.Errorf("Failed to close %s: %w", c, err)
	}

	r.stats.disconnected.Add(1)
	r.stats.active.Add(-1)

	r.log.Debug("Disconnected",
		zap.Stringer("conn", c),
		zap.String("reason", reason),
		zap.Duration("age", time.Since(c.startedAt)),
		zap.Uint64("iterations", c.iterations))

	if r.opts.OnDisconnect != nil {
		r.opts.OnDisconnect(c)
	}

	return err
}
