// Package util holds small syscall-adjacent helpers shared by the reactor
// core, adapted from a blocking read/write-loop style into the single-shot,
// EAGAIN-surfacing style non-blocking sockets require.
package util

import (
	"errors"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by ReadOnce/WriteOnce when the underlying fd has
// no data (or no buffer space) available right now. Callers on an
// edge-triggered, one-shot fd treat this as "suspend until the next
// readiness event", not as a failure.
var ErrWouldBlock = errors.New("util: operation would block")

// IsWouldBlock reports whether err is the non-blocking "try again" signal.
func IsWouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock)
}

// ReadOnce performs a single non-blocking read, retrying transparently on
// EINTR and normalizing EAGAIN/EWOULDBLOCK to ErrWouldBlock. A zero-length,
// nil-error read means the peer closed its write half.
func ReadOnce(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err == nil {
			return n, nil
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
}

// WriteOnce performs a single non-blocking write, retrying on EINTR and
// normalizing EAGAIN/EWOULDBLOCK to ErrWouldBlock. It never loops to write
// the whole buffer: partial writes are the caller's responsibility to track
// (the response sender's bytesSent counter does this).
func WriteOnce(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Write(fd, buf)
		if err == nil {
			return n, nil
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return n, ErrWouldBlock
		}
		return n, err
	}
}

// ErrUnsafePath is returned by SafeJoin when name would escape root.
var ErrUnsafePath = errors.New("util: path escapes document root")

// SafeJoin joins name onto root and guarantees the result stays under root
// after normalization, rejecting ".." segments that climb past it.
func SafeJoin(root, name string) (string, error) {
	if name == "" {
		return "", ErrUnsafePath
	}
	joined := filepath.Join(root, name)
	rootClean := filepath.Clean(root)
	if joined != rootClean && !strings.HasPrefix(joined, rootClean+string(filepath.Separator)) {
		return "", ErrUnsafePath
	}
	return joined, nil
}

// SafeFilename validates a single filename component (no directory
// separators, no "..", not empty), used by the multipart upload handler
// where the incoming name must never be treated as a path.
func SafeFilename(name string) (string, error) {
	if name == "" || name == "." || name == ".." {
		return "", ErrUnsafePath
	}
	if strings.ContainsAny(name, "/\\") {
		return "", ErrUnsafePath
	}
	return name, nil
}
