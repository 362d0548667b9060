package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// ConnState is the connection lifecycle state from the data model.
type ConnState int

const (
	StateConnected ConnState = iota
	StateReading
	StateWriting
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReading:
		return "reading"
	case StateWriting:
		return "writing"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one accepted socket's full lifecycle record, owned by a
// Table. Thanks to one-shot epoll registration, at most one worker task
// ever runs I/O against a connection at a time — but the Table's own
// idle sweep runs on the reactor goroutine independent of that
// arming/re-arming discipline, purely off wall-clock comparisons. So a
// task that has Acquired a connection (see Table.Acquire) holds a
// reference that defers the fd's actual close until the task Releases
// it, even if a concurrent SweepIdle or hangup-triggered Remove wants it
// gone right away. Fd is set to -1 exactly when State is Closed.
type Connection struct {
	Fd int
	// ID correlates every log line touching this connection across its
	// possibly many keep-alive requests, independent of fd (which the
	// kernel will happily reuse for an unrelated connection later).
	ID           string
	Peer         net.Addr
	State        ConnState
	CreatedAt    time.Time
	LastActivity time.Time
	RequestCount uint64
	Request      *Request
	Response     *Response

	refCount int
	closing  bool
}

// touch stamps LastActivity, called on every successful I/O or state
// transition per the data model's invariants.
func (c *Connection) touch(now time.Time) {
	c.LastActivity = now
}

// resetForNextRequest prepares c for the next request on a kept-alive
// connection, per the lifecycle rule that request/response records are
// recreated on each cycle.
func (c *Connection) resetForNextRequest() {
	c.Request = NewRequest()
	c.Response = NewResponse()
	c.State = StateConnected
}

// Table is the fd -> *Connection map. All operations are internally
// serialized by a single mutex whose critical sections are map and
// refcount bookkeeping only, never I/O.
type Table struct {
	mu             sync.Mutex
	conns          map[int]*Connection
	maxConnections int

	// connectionTimeout bounds how long a connection may sit idle before
	// its first request completes (covers a fresh accept and a request
	// still being read or written). keepAliveTimeout bounds how long an
	// already-served connection may then sit idle waiting for the next
	// request on the same socket — normally the shorter of the two, since
	// a client that has already gotten one response and gone quiet is
	// less likely to still be coming than one mid-transfer.
	connectionTimeout time.Duration
	keepAliveTimeout  time.Duration

	totalConnections atomic.Uint64
	totalRequests    atomic.Uint64
}

// NewTable builds an empty table admitting at most maxConnections records.
// connectionTimeout applies to a connection that hasn't yet completed a
// request on this socket; keepAliveTimeout applies once it has and is
// sitting idle between keep-alive cycles.
func NewTable(maxConnections int, connectionTimeout, keepAliveTimeout time.Duration) *Table {
	return &Table{
		conns:             make(map[int]*Connection),
		maxConnections:    maxConnections,
		connectionTimeout: connectionTimeout,
		keepAliveTimeout:  keepAliveTimeout,
	}
}

// idleTimeoutFor picks the applicable idle timeout for c per the
// connection-vs-keep-alive split described on Table.
func (t *Table) idleTimeoutFor(c *Connection) time.Duration {
	if c.State == StateConnected && c.RequestCount > 0 {
		return t.keepAliveTimeout
	}
	return t.connectionTimeout
}

// Create admits a new connection for fd/peer, or fails with
// ErrCapacityExceeded if the table is already full.
func (t *Table) Create(fd int, peer net.Addr) (*Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.conns) >= t.maxConnections {
		return nil, ErrCapacityExceeded
	}
	now := time.Now()
	c := &Connection{
		Fd:           fd,
		ID:           uuid.NewString(),
		Peer:         peer,
		State:        StateConnected,
		CreatedAt:    now,
		LastActivity: now,
		Request:      NewRequest(),
		Response:     NewResponse(),
	}
	t.conns[fd] = c
	t.totalConnections.Add(1)
	return c, nil
}

// Get returns the connection registered for fd without taking a
// reference on it, or nil if none exists. Safe for read-only inspection
// only; callers about to perform I/O on the connection must use Acquire
// instead so a concurrent SweepIdle/Remove can't close the fd underneath
// them.
func (t *Table) Get(fd int) *Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[fd]
}

// Acquire looks up fd and, if it exists and isn't already marked for
// closing, takes a reference that defers any concurrent close until a
// matching Release. Returns nil if fd is unknown or already closing —
// callers must treat that the same as "connection gone" and do nothing
// further with it.
func (t *Table) Acquire(fd int) *Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[fd]
	if !ok || c.closing {
		return nil
	}
	c.refCount++
	return c
}

// Release drops a reference taken by Acquire. If c was marked closing
// while in use and this was the last outstanding reference, its fd is
// closed and its entry removed now.
func (t *Table) Release(c *Connection) {
	t.mu.Lock()
	c.refCount--
	shouldClose := c.closing && c.refCount <= 0
	if shouldClose {
		delete(t.conns, c.Fd)
	}
	t.mu.Unlock()

	if shouldClose {
		closeConnection(c)
	}
}

// closeConnection releases a connection's response body, closes its fd,
// and marks it Closed with Fd set to -1. Callers must have already
// removed c from the table's map.
func closeConnection(c *Connection) {
	if c.Response != nil {
		c.Response.Close()
	}
	fd := c.Fd
	c.Fd = -1
	c.State = StateClosed
	unix.Close(fd)
}

// Remove marks fd for closing. If nothing currently holds a reference on
// it (Acquire/Release), it closes immediately; otherwise the close is
// deferred to whichever task's Release drops the last reference. Safe to
// call more than once for the same fd; later calls are no-ops.
func (t *Table) Remove(fd int) {
	t.mu.Lock()
	c, ok := t.conns[fd]
	if !ok || c.closing {
		t.mu.Unlock()
		return
	}
	c.closing = true
	closeNow := c.refCount <= 0
	if closeNow {
		delete(t.conns, fd)
	}
	t.mu.Unlock()

	if closeNow {
		closeConnection(c)
	}
}

// SweepIdle marks every connection idle longer than its applicable
// timeout for closing, returning the count reaped. A connection that
// hasn't yet completed a request uses connectionTimeout; one sitting
// between keep-alive cycles uses the (usually shorter) keepAliveTimeout.
// A connection currently held by an in-flight worker task
// (readTask/writeTask) is marked but not closed here — its fd is closed
// once that task's Release drops the last reference, so an active
// transfer is never torn down mid-syscall. Called by the reactor on each
// Wait timeout tick.
func (t *Table) SweepIdle() int {
	now := time.Now()

	t.mu.Lock()
	var closeNow []*Connection
	reaped := 0
	for fd, c := range t.conns {
		if c.closing || now.Sub(c.LastActivity) <= t.idleTimeoutFor(c) {
			continue
		}
		c.closing = true
		reaped++
		if c.refCount <= 0 {
			closeNow = append(closeNow, c)
			delete(t.conns, fd)
		}
	}
	t.mu.Unlock()

	for _, c := range closeNow {
		closeConnection(c)
	}
	return reaped
}

// CloseAll closes and forgets every connection. Used during graceful
// shutdown, after the worker pool has fully drained — by that point no
// task holds a reference on anything, so every connection can be closed
// unconditionally.
func (t *Table) CloseAll() {
	t.mu.Lock()
	conns := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[int]*Connection)
	t.mu.Unlock()

	for _, c := range conns {
		closeConnection(c)
	}
}

// Active reports the current live connection count.
func (t *Table) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// TotalConnections is the monotonic accept counter across the table's
// lifetime.
func (t *Table) TotalConnections() uint64 { return t.totalConnections.Load() }

// TotalRequests is the monotonic request counter across the table's
// lifetime, incremented by IncrementRequests as each request completes.
func (t *Table) TotalRequests() uint64 { return t.totalRequests.Load() }

// IncrementRequests bumps the table-wide request counter and the
// connection's own per-connection counter together.
func (t *Table) IncrementRequests(c *Connection) {
	c.RequestCount++
	t.totalRequests.Add(1)
}
