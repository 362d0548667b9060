package server

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Interest is a bitset of readiness interests a caller registers for an fd.
type Interest uint8

const (
	InterestNone     Interest = 0
	InterestReadable Interest = 1 << 0
	InterestWritable Interest = 1 << 1
)

// ReadyMask reports the readiness a Wait call observed for one fd,
// including conditions the caller never registered for (hangup, error).
type ReadyMask uint8

const (
	ReadyReadable ReadyMask = 1 << iota
	ReadyWritable
	ReadyHangup
	ReadyError
)

func (m ReadyMask) Readable() bool { return m&ReadyReadable != 0 }
func (m ReadyMask) Writable() bool { return m&ReadyWritable != 0 }
func (m ReadyMask) Hangup() bool   { return m&ReadyHangup != 0 }
func (m ReadyMask) Error() bool    { return m&ReadyError != 0 }

// Event is one (fd, readiness) pair returned from Wait.
type Event struct {
	Fd    int
	Ready ReadyMask
}

// Multiplexer wraps a Linux epoll instance. All registrations besides the
// listen fd and the self-pipe read end are edge-triggered and one-shot: a
// client fd never appears twice in Wait output until the handling task
// re-arms it.
type Multiplexer struct {
	epfd int
}

// NewMultiplexer creates a fresh epoll instance.
func NewMultiplexer() (*Multiplexer, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("%w: epoll_create1: %v", ErrMultiplexerFailed, err)
	}
	return &Multiplexer{epfd: fd}, nil
}

func toEpollEvents(interests Interest, edgeTriggered, oneShot bool) uint32 {
	var ev uint32
	if interests&InterestReadable != 0 {
		ev |= unix.EPOLLIN
	}
	if interests&InterestWritable != 0 {
		ev |= unix.EPOLLOUT
	}
	if edgeTriggered {
		ev |= unix.EPOLLET
	}
	if oneShot {
		ev |= unix.EPOLLONESHOT
	}
	ev |= unix.EPOLLRDHUP
	return ev
}

// Add registers fd for the given interests.
func (m *Multiplexer) Add(fd int, interests Interest, edgeTriggered, oneShot bool) error {
	event := unix.EpollEvent{Events: toEpollEvents(interests, edgeTriggered, oneShot), Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return fmt.Errorf("%w: epoll_ctl(ADD, %d): %v", ErrMultiplexerFailed, fd, err)
	}
	return nil
}

// Modify re-arms fd with new interests, used both to switch a connection
// between read- and write-interest and to re-arm a one-shot registration
// after the handling task finishes.
func (m *Multiplexer) Modify(fd int, interests Interest, edgeTriggered, oneShot bool) error {
	event := unix.EpollEvent{Events: toEpollEvents(interests, edgeTriggered, oneShot), Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, fd, &event); err != nil {
		return fmt.Errorf("%w: epoll_ctl(MOD, %d): %v", ErrMultiplexerFailed, fd, err)
	}
	return nil
}

// Remove deregisters fd. Removing an already-closed fd is a no-op: the
// kernel drops epoll interest automatically when a fd is closed, so an
// EBADF/ENOENT here is swallowed rather than surfaced.
func (m *Multiplexer) Remove(fd int) error {
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		if err == unix.ENOENT || err == unix.EBADF {
			return nil
		}
		return fmt.Errorf("%w: epoll_ctl(DEL, %d): %v", ErrMultiplexerFailed, fd, err)
	}
	return nil
}

// Wait blocks up to timeoutMillis (negative meaning forever) and returns
// the ready events. A timeout expiring returns an empty, nil-error slice.
// EINTR is retried transparently rather than surfaced to the caller, so a
// spurious empty return is never observed here.
func (m *Multiplexer) Wait(timeoutMillis int, scratch []unix.EpollEvent) ([]Event, error) {
	for {
		n, err := unix.EpollWait(m.epfd, scratch, timeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("%w: epoll_wait: %v", ErrMultiplexerFailed, err)
		}
		out := make([]Event, 0, n)
		for i := 0; i < n; i++ {
			e := scratch[i]
			var ready ReadyMask
			if e.Events&unix.EPOLLIN != 0 {
				ready |= ReadyReadable
			}
			if e.Events&unix.EPOLLOUT != 0 {
				ready |= ReadyWritable
			}
			if e.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
				ready |= ReadyHangup
			}
			if e.Events&unix.EPOLLERR != 0 {
				ready |= ReadyError
			}
			out = append(out, Event{Fd: int(e.Fd), Ready: ready})
		}
		return out, nil
	}
}

// Close releases the epoll instance's fd.
func (m *Multiplexer) Close() error {
	return unix.Close(m.epfd)
}
