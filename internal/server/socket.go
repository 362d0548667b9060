package server

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// listenSocket creates, binds, and listens on a non-blocking IPv4 TCP
// socket, returning the raw fd for the multiplexer to register.
func listenSocket(bindAddress string, port int, backlog int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("%w: socket: %v", ErrBindFailed, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: setsockopt SO_REUSEADDR: %v", ErrBindFailed, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: set nonblocking: %v", ErrBindFailed, err)
	}

	addr, err := resolveIPv4(bindAddress)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: resolve bind address %q: %v", ErrBindFailed, bindAddress, err)
	}
	sa := &unix.SockaddrInet4{Port: port, Addr: addr}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: bind %s:%d: %v", ErrBindFailed, bindAddress, port, err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: listen: %v", ErrListenFailed, err)
	}

	return fd, nil
}

func resolveIPv4(bindAddress string) ([4]byte, error) {
	var out [4]byte
	ip := net.ParseIP(bindAddress)
	if ip == nil {
		ips, err := net.LookupIP(bindAddress)
		if err != nil || len(ips) == 0 {
			return out, fmt.Errorf("cannot resolve %q", bindAddress)
		}
		ip = ips[0]
	}
	v4 := ip.To4()
	if v4 == nil {
		return out, fmt.Errorf("%q is not an IPv4 address", bindAddress)
	}
	copy(out[:], v4)
	return out, nil
}

// acceptNonblocking accepts a single pending connection off listenFD,
// returning (fd, peer, ok, err). ok is false with a nil err when the
// listen backlog is currently drained (EAGAIN), signaling the caller to
// stop accepting for this readiness event, mirroring the reactor's
// "repeatedly accept non-blocking until EAGAIN" loop.
func acceptNonblocking(listenFD int) (fd int, peer net.Addr, ok bool, err error) {
	nfd, sa, aerr := unix.Accept(listenFD)
	if aerr != nil {
		if aerr == unix.EAGAIN || aerr == unix.EWOULDBLOCK {
			return -1, nil, false, nil
		}
		return -1, nil, false, aerr
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return -1, nil, false, err
	}
	return nfd, sockaddrToNetAddr(sa), true, nil
}

func sockaddrToNetAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3]), Port: v.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port}
	default:
		return &net.TCPAddr{}
	}
}
