package server

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/filed/filed/internal/config"
	"github.com/filed/filed/internal/logging"
	"github.com/filed/filed/internal/util"
)

// sweepInterval is the epoll Wait timeout the reactor uses on every tick
// so idle sweeps run even when no fd is ready, per the reactor's main
// loop.
const sweepInterval = 1000 // milliseconds

// Reactor is the single-threaded event loop: it owns the listen socket
// and the multiplexer, and dispatches read/write work for client fds to
// the worker pool. Everything it touches directly (mux, table, pool) is
// safe for that single goroutine to call without extra locking beyond
// what those types already provide internally.
type Reactor struct {
	cfg config.Config
	log *logging.Logger

	listenFD int
	mux      *Multiplexer
	pool     *Pool
	table    *Table

	selfPipeR int
	selfPipeW int

	readBufPool sync.Pool

	shuttingDown atomic.Bool
}

// New wires up the listen socket, multiplexer, worker pool, and
// connection table from a validated Config. It performs every fatal
// startup step (bind, listen, multiplexer init) and returns an error
// rather than starting the loop if any of them fail.
func New(cfg config.Config, log *logging.Logger) (*Reactor, error) {
	listenFD, err := listenSocket(cfg.BindAddress, cfg.Port, cfg.Backlog)
	if err != nil {
		return nil, err
	}

	mux, err := NewMultiplexer()
	if err != nil {
		unix.Close(listenFD)
		return nil, err
	}
	// The listen fd is edge-triggered but never one-shot: it must stay
	// continuously armed so a burst of pending connections is drained on
	// every readiness edge without a re-arm round trip.
	if err := mux.Add(listenFD, InterestReadable, true, false); err != nil {
		unix.Close(listenFD)
		mux.Close()
		return nil, err
	}

	var pipeFDs [2]int
	if err := unix.Pipe2(pipeFDs[:], unix.O_NONBLOCK); err != nil {
		unix.Close(listenFD)
		mux.Close()
		return nil, err
	}
	selfPipeR := pipeFDs[0]
	selfPipeW := pipeFDs[1]
	if err := mux.Add(selfPipeR, InterestReadable, false, false); err != nil {
		return nil, err
	}

	react := &Reactor{
		cfg:       cfg,
		log:       log,
		listenFD:  listenFD,
		mux:       mux,
		pool:      NewPool(cfg.ThreadCount, cfg.MaxQueueSize, log),
		table:     NewTable(cfg.MaxConnections, cfg.ConnectionTimeout, cfg.KeepAliveTimeout),
		selfPipeR: selfPipeR,
		selfPipeW: selfPipeW,
	}
	react.readBufPool.New = func() any {
		return make([]byte, cfg.BufferSize)
	}
	return react, nil
}

// installSignalHandling forwards SIGINT/SIGTERM into the self-pipe and
// ignores SIGPIPE. Go delivers signals to a dedicated runtime goroutine
// rather than an async-signal-safe C handler, so "write a single byte on
// signal" is realized here by a small forwarding goroutine instead of a
// true signal handler; the self-pipe itself, and the single writer fd,
// are otherwise unchanged.
func (r *Reactor) installSignalHandling() {
	signal.Ignore(syscall.SIGPIPE)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		unix.Write(r.selfPipeW, []byte{0})
	}()
}

// Run executes the reactor's main loop until shutdown is requested by
// SIGINT/SIGTERM, then drains the worker pool and closes everything.
func (r *Reactor) Run() error {
	r.installSignalHandling()
	r.log.Info("reactor started", logging.Fields{
		"bind_address": r.cfg.BindAddress,
		"port":         r.cfg.Port,
		"threads":      r.cfg.ThreadCount,
	})

	scratch := make([]unix.EpollEvent, 256)
	for !r.shuttingDown.Load() {
		events, err := r.mux.Wait(sweepInterval, scratch)
		if err != nil {
			r.log.Error("multiplexer wait failed", logging.Fields{"error": err.Error()})
			continue
		}
		if len(events) == 0 {
			reaped := r.table.SweepIdle()
			if reaped > 0 {
				r.log.Debug("idle sweep reaped connections", logging.Fields{"reaped": reaped})
			}
			stats := r.Stats()
			r.log.Debug("reactor tick", logging.Fields{
				"active_connections": stats.ActiveConnections,
				"queue_depth":        stats.QueueDepth,
				"active_workers":     stats.ActiveWorkers,
			})
			continue
		}
		for _, ev := range events {
			r.dispatch(ev)
		}
	}

	r.log.Info("reactor shutting down", logging.Fields{})
	r.shutdownAndDrain()
	return nil
}

func (r *Reactor) dispatch(ev Event) {
	switch ev.Fd {
	case r.listenFD:
		r.acceptLoop()
	case r.selfPipeR:
		r.drainSelfPipe()
	default:
		r.dispatchClient(ev)
	}
}

func (r *Reactor) dispatchClient(ev Event) {
	if ev.Ready.Hangup() || ev.Ready.Error() {
		r.table.Remove(ev.Fd)
		r.mux.Remove(ev.Fd)
		return
	}
	if ev.Ready.Readable() {
		fd := ev.Fd
		if err := r.pool.Submit(func() { r.readTask(fd) }); err != nil {
			r.log.Warn("dropping read task", logging.Fields{"fd": fd, "error": err.Error()})
			r.table.Remove(fd)
		}
		return
	}
	if ev.Ready.Writable() {
		fd := ev.Fd
		if err := r.pool.Submit(func() { r.writeTask(fd) }); err != nil {
			r.log.Warn("dropping write task", logging.Fields{"fd": fd, "error": err.Error()})
			r.table.Remove(fd)
		}
	}
}

func (r *Reactor) drainSelfPipe() {
	buf := make([]byte, 64)
	for {
		_, err := util.ReadOnce(r.selfPipeR, buf)
		if err != nil {
			break
		}
	}
	r.shuttingDown.Store(true)
}

// acceptLoop accepts every pending connection off the listen backlog
// until EAGAIN, admitting each under MaxConnections or closing it
// immediately when the table is full.
func (r *Reactor) acceptLoop() {
	for {
		fd, peer, ok, err := acceptNonblocking(r.listenFD)
		if err != nil {
			r.log.Error("accept failed", logging.Fields{"error": err.Error()})
			return
		}
		if !ok {
			return
		}
		conn, cerr := r.table.Create(fd, peer)
		if cerr != nil {
			r.log.Warn("rejecting connection over capacity", logging.Fields{"peer": peer.String()})
			unix.Close(fd)
			continue
		}
		if err := r.mux.Add(fd, InterestReadable, true, true); err != nil {
			r.log.Warn("failed registering new connection", logging.Fields{"fd": fd, "error": err.Error()})
			r.table.Remove(fd)
			continue
		}
		r.log.Debug("accepted connection", logging.Fields{"fd": fd, "conn_id": conn.ID, "peer": peer.String()})
	}
}

// readTask drains fd until EAGAIN, feeding every chunk into the
// connection's request parser (or its in-progress multipart upload). On
// a phase change to Complete or Failed it builds the response and
// attempts an immediate send — necessary under edge-triggered epoll,
// since the socket may already be writable and no future EPOLLOUT edge
// would otherwise fire to tell us so.
func (r *Reactor) readTask(fd int) {
	conn := r.table.Acquire(fd)
	if conn == nil {
		return
	}
	defer r.table.Release(conn)
	conn.State = StateReading

	buf := r.readBufPool.Get().([]byte)
	defer r.readBufPool.Put(buf)

	for {
		n, err := util.ReadOnce(fd, buf)
		if err != nil {
			if util.IsWouldBlock(err) {
				if err := r.mux.Modify(fd, InterestReadable, true, true); err != nil {
					r.table.Remove(fd)
				}
				return
			}
			r.log.Warn("read failed", logging.Fields{"fd": fd, "conn_id": conn.ID, "error": err.Error()})
			r.table.Remove(fd)
			return
		}
		if n == 0 {
			r.table.Remove(fd)
			return
		}
		conn.touch(time.Now())
		r.feedRequest(conn, buf[:n])

		if conn.Request.Phase == PhaseComplete || conn.Request.Phase == PhaseFailed {
			r.beginResponse(conn)
			return
		}
	}
}

// feedRequest routes a chunk of newly-read bytes either into the request
// parser, or, once a multipart boundary has been seen, into the
// per-connection UploadState the request hands parsing off to.
func (r *Reactor) feedRequest(conn *Connection, chunk []byte) {
	req := conn.Request
	if req.Upload != nil {
		req.Upload.Feed(chunk)
		r.reconcileUpload(req)
		return
	}

	req.Feed(chunk)
	if req.Phase == PhaseBody && req.Boundary != "" {
		leftover := append([]byte(nil), req.RecvBuffer.Bytes()...)
		req.RecvBuffer.Reset()
		req.Upload = NewUploadState(req.Boundary, r.cfg.DocumentRoot, r.cfg.MaxFileSize)
		req.Upload.Feed(leftover)
		r.reconcileUpload(req)
	}
}

func (r *Reactor) reconcileUpload(req *Request) {
	switch req.Upload.Phase {
	case UploadComplete:
		req.Phase = PhaseComplete
	case UploadFailed:
		req.Phase = PhaseFailed
		req.Err = req.Upload.Err
	}
}

// beginResponse builds the response for a completed or failed request and
// attempts to send it immediately, re-arming the multiplexer for
// whichever direction is still pending.
func (r *Reactor) beginResponse(conn *Connection) {
	conn.Response = r.buildResponseFor(conn.Request)
	conn.State = StateWriting
	r.progressSend(conn)
}

func (r *Reactor) buildResponseFor(req *Request) *Response {
	var resp *Response
	switch {
	case req.Upload != nil:
		resp = responseForUpload(req)
	case req.Phase == PhaseFailed:
		resp = NewErrorResponse(400, "Bad Request")
	default:
		resp = BuildResponse(req, r.cfg.DocumentRoot, r.cfg.EnableSendfile)
	}
	resp.KeepAlive = resp.KeepAlive && req.KeepAlive() && r.cfg.EnableKeepalive
	return resp
}

// responseForUpload turns a completed or failed multipart upload into
// its response, per the response builder's "POST / with multipart body
// already consumed" rule (Open Question 3: this implementation redirects
// rather than re-rendering the index inline).
func responseForUpload(req *Request) *Response {
	switch req.Upload.Phase {
	case UploadComplete:
		return NewRedirectResponse("/")
	case UploadFailed:
		switch req.Upload.Err {
		case ErrUploadBadFilename, ErrUploadMissingName:
			return NewErrorResponse(403, "Forbidden")
		default:
			return NewErrorResponse(500, "Internal Server Error")
		}
	default:
		return NewErrorResponse(500, "Internal Server Error")
	}
}

// writeTask resumes an in-progress send after a writable readiness
// event.
func (r *Reactor) writeTask(fd int) {
	conn := r.table.Acquire(fd)
	if conn == nil {
		return
	}
	defer r.table.Release(conn)
	r.progressSend(conn)
}

// progressSend drives the response sender as far as the socket's current
// writability allows, then either finishes the request cycle or re-arms
// the multiplexer for the next writable event.
func (r *Reactor) progressSend(conn *Connection) {
	err := conn.Response.Send(conn.Fd)
	if err != nil {
		if util.IsWouldBlock(err) {
			conn.touch(time.Now())
			if merr := r.mux.Modify(conn.Fd, InterestWritable, true, true); merr != nil {
				r.table.Remove(conn.Fd)
			}
			return
		}
		r.log.Warn("write failed", logging.Fields{"fd": conn.Fd, "conn_id": conn.ID, "error": err.Error()})
		r.table.Remove(conn.Fd)
		return
	}
	conn.touch(time.Now())
	r.finishRequest(conn)
}

func (r *Reactor) finishRequest(conn *Connection) {
	r.table.IncrementRequests(conn)
	if conn.Response.KeepAlive {
		conn.resetForNextRequest()
		conn.touch(time.Now())
		if err := r.mux.Modify(conn.Fd, InterestReadable, true, true); err != nil {
			r.table.Remove(conn.Fd)
		}
		return
	}
	r.table.Remove(conn.Fd)
}

// shutdownAndDrain stops accepting new work, waits up to
// ShutdownTimeout for in-flight worker tasks to finish, then tears down
// every remaining resource. It never returns an error: teardown paths
// log but don't fail.
func (r *Reactor) shutdownAndDrain() {
	deadline := time.Now().Add(r.cfg.ShutdownTimeout)
	drained := make(chan struct{})
	go func() {
		r.pool.Shutdown(true)
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(time.Until(deadline)):
		r.log.Warn("shutdown timeout exceeded, proceeding with in-flight work outstanding", logging.Fields{})
	}

	r.table.CloseAll()
	if err := r.mux.Remove(r.listenFD); err != nil {
		r.log.Warn("removing listen fd from multiplexer", logging.Fields{"error": err.Error()})
	}
	unix.Close(r.listenFD)
	unix.Close(r.selfPipeR)
	unix.Close(r.selfPipeW)
	if err := r.mux.Close(); err != nil {
		r.log.Warn("closing multiplexer", logging.Fields{"error": err.Error()})
	}
	r.log.Info("reactor stopped", logging.Fields{})
}
