//go:build linux

package transport

import (
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

type EventFlags uint8

const (
	EventRead EventFlags = 1 << iota
	EventWrite

	// EventClose covers peer hang up (RDHUP), HUP and ERR
	EventClose
)

type Event struct {
	Fd    int
	Flags EventFlags
}

// Poller is a thin wrapper around an edge triggered epoll instance. It also
// owns an eventfd so that other goroutines can interrupt a blocked Wait.
type Poller struct {
	fd     int
	wakeFd int

	// scratch buffer handed to epoll_wait, its length bounds the number of
	// events returned by a single Wait
	events []unix.EpollEvent
}

func MakePoller(bufferSize int) (*Poller, error) {
	if bufferSize < 1 {
		return nil, errors.New("Poller event buffer must hold at least one event")
	}

	var (
		poller = Poller{events: make([]unix.EpollEvent, bufferSize)}
		err    error
	)

	// Open an epoll fd
	// https://man7.org/linux/man-pages/man2/epoll_create.2.html
	poller.fd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	// https://man7.org/linux/man-pages/man2/eventfd.2.html
	poller.wakeFd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(poller.fd)
		return nil, err
	}

	// The wake fd is level triggered, it stays readable until drained
	// https://man7.org/linux/man-pages/man2/epoll_ctl.2.html
	event := &unix.EpollEvent{Fd: int32(poller.wakeFd), Events: unix.EPOLLIN}

	if err = unix.EpollCtl(poller.fd, unix.EPOLL_CTL_ADD, poller.wakeFd, event); err != nil {
		unix.Close(poller.wakeFd)
		unix.Close(poller.fd)
		return nil, err
	}

	return &poller, nil
}

// Add registers fd for edge triggered read and peer hang up notifications.
func (p *Poller) Add(fd int) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Fd:     int32(fd),
		Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLET,
	})
}

func (p *Poller) Delete(fd int) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks for at most timeout and appends ready events to dst. A wake up
// from Wake, or an interrupted wait, produces no events.
func (p *Poller) Wait(timeout time.Duration, dst []Event) ([]Event, error) {
	n, err := unix.EpollWait(p.fd, p.events, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return dst, nil
		}

		return dst, err
	}

	for _, ev := range p.events[:n] {
		if int(ev.Fd) == p.wakeFd {
			p.drainWake()
			continue
		}

		var flags EventFlags
		if ev.Events&unix.EPOLLIN != 0 {
			flags |= EventRead
		}

		if ev.Events&unix.EPOLLOUT != 0 {
			flags |= EventWrite
		}

		if ev.Events&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			flags |= EventClose
		}

		dst = append(dst, Event{Fd: int(ev.Fd), Flags: flags})
	}

	return dst, nil
}

// Wake interrupts a Wait that is in progress, or the next one. It is safe to
// call from any goroutine.
func (p *Poller) Wake() error {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)

	_, err := unix.Write(p.wakeFd, one[:])
	if errors.Is(err, unix.EAGAIN) {
		// The counter is saturated, a wake up is already pending
		return nil
	}

	return err
}

func (p *Poller) drainWake() {
	var buf [8]byte
	unix.Read(p.wakeFd, buf[:])
}

func (p *Poller) Close() error {
	if err := unix.Close(p.wakeFd); err != nil {
		unix.Close(p.fd)
		return err
	}

	return unix.Close(p.fd)
}
