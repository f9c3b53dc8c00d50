//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

var ErrSendTimeout = errors.New("Timed out waiting for the connection to become writable")

// StartupError is returned when the listening socket cannot be set up. It is
// always fatal, the server never starts serving.
type StartupError struct {
	Op  string
	Err error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("Failed to start listener during %s: %s", e.Op, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// SocketOptions are applied to every accepted connection.
type SocketOptions struct {
	// ReceiveTimeout bounds how long a parse waits for the rest of a
	// partially received request
	ReceiveTimeout time.Duration

	// SendTimeout bounds how long a response write waits for the socket to
	// become writable
	SendTimeout time.Duration

	// NoDelay sets TCP_NODELAY
	NoDelay bool

	// Linger enables SO_LINGER with this timeout, zero leaves it off
	Linger time.Duration

	// ReceiveBuffer sets SO_RCVBUF, zero keeps the kernel default. It is also
	// the size of each read from a connection.
	ReceiveBuffer int
}

func applySocketOptions(fd int, opts SocketOptions) (err error) {
	if opts.NoDelay {
		if serr := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); serr != nil {
			err = multierr.Append(err, fmt.Errorf("TCP_NODELAY: %w", serr))
		}
	}

	if opts.Linger > 0 {
		linger := &unix.Linger{Onoff: 1, Linger: int32(opts.Linger / time.Second)}

		if serr := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, linger); serr != nil {
			err = multierr.Append(err, fmt.Errorf("SO_LINGER: %w", serr))
		}
	}

	if opts.ReceiveBuffer > 0 {
		if serr := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, opts.ReceiveBuffer); serr != nil {
			err = multierr.Append(err, fmt.Errorf("SO_RCVBUF: %w", serr))
		}
	}

	return err
}

// listenTCP opens a non-blocking listening socket bound to addr.
func listenTCP(addr netip.AddrPort, backlog int) (int, netip.AddrPort, error) {
	family := unix.AF_INET
	if addr.Addr().Is6() && !addr.Addr().Is4In6() {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, netip.AddrPort{}, &StartupError{Op: "socket", Err: err}
	}

	fail := func(op string, err error) (int, netip.AddrPort, error) {
		unix.Close(fd)
		return -1, netip.AddrPort{}, &StartupError{Op: op, Err: err}
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt SO_REUSEADDR", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return fail("setsockopt SO_REUSEPORT", err)
	}

	if err := unix.Bind(fd, toSockaddr(addr)); err != nil {
		return fail("bind", err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		return fail("listen", err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}

	return fd, fromSockaddr(sa), nil
}

func accept(fd int) (int, netip.AddrPort, error) {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}

	return nfd, fromSockaddr(sa), nil
}

// waitFor polls fd for events. It reports false when the timeout expires
// first.
func waitFor(fd int, events int16, timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}

	for {
		n, err := unix.Poll(fds, int(timeout.Milliseconds()))
		if errors.Is(err, unix.EINTR) {
			continue
		}

		if err != nil {
			return false, err
		}

		return n > 0, nil
	}
}

// resolveListenAddr turns a host and port from config into an address. Host
// names are resolved and the first address wins.
func resolveListenAddr(host string, port int) (netip.AddrPort, error) {
	if host == "" {
		return netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(port)), nil
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(addr, uint16(port)), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, err
	}

	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("No addresses found for %q", host)
	}

	return netip.AddrPortFrom(addrs[0].Unmap(), uint16(port)), nil
}

func toSockaddr(addr netip.AddrPort) unix.Sockaddr {
	ip := addr.Addr()

	if ip.Is4() || ip.Is4In6() {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.Unmap().As4()}
	}

	return &unix.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))

	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))

	default:
		return netip.AddrPort{}
	}
}
