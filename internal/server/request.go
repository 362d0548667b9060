package server

import (
	"bytes"
	"strconv"
	"strings"
)

// ReqPhase is the incremental parser's state machine phase.
type ReqPhase int

const (
	PhaseInit ReqPhase = iota
	PhaseHeaders
	PhaseBody
	PhaseComplete
	PhaseFailed
)

// Request is the per-connection incremental HTTP request record. Bytes
// are appended via Feed and the parser advances as far as the buffered
// data allows; a request suspends (returns with no error and an
// unchanged, non-terminal Phase) whenever it needs more bytes than are
// currently buffered.
type Request struct {
	Phase   ReqPhase
	Method  string
	URI     string
	Version string

	Headers       map[string]string
	ContentLength uint64
	Boundary      string
	ContentType   string

	RecvBuffer *bytes.Buffer
	Body       []byte
	bodyWant   uint64

	Upload *UploadState

	Err error
}

// NewRequest returns a freshly initialized request record, used both at
// connection creation and whenever a keep-alive cycle starts the next
// request.
func NewRequest() *Request {
	return &Request{
		Phase:      PhaseInit,
		Headers:    make(map[string]string),
		RecvBuffer: &bytes.Buffer{},
	}
}

// Feed appends data to RecvBuffer and drives the state machine forward as
// far as it can go without more input. It returns when the request
// reaches Complete, reaches Failed, or would otherwise block waiting for
// more bytes — including the multipart handoff point, where remaining
// buffered bytes are left for the caller to hand to an UploadState.
func (r *Request) Feed(data []byte) {
	if len(data) > 0 {
		r.RecvBuffer.Write(data)
	}
	for r.step() {
	}
}

// step attempts one unit of progress and reports whether another call
// might make more progress without additional input.
func (r *Request) step() bool {
	switch r.Phase {
	case PhaseInit:
		return r.parseRequestLine()
	case PhaseHeaders:
		return r.parseHeaderLine()
	case PhaseBody:
		if r.Boundary != "" {
			// The upload handler owns the rest of the parsing from here;
			// the read task hands RecvBuffer's remaining bytes to an
			// UploadState and stops calling Feed for this request.
			return false
		}
		return r.consumeFixedBody()
	default:
		return false
	}
}

func (r *Request) fail(err error) bool {
	r.Phase = PhaseFailed
	r.Err = err
	return false
}

func (r *Request) parseRequestLine() bool {
	line, ok := takeLine(r.RecvBuffer)
	if !ok {
		return false
	}
	fields := strings.Fields(line)
	if len(fields) != 3 || !strings.HasPrefix(fields[2], "HTTP/") {
		return r.fail(ErrBadRequestLine)
	}
	r.Method, r.URI, r.Version = fields[0], fields[1], fields[2]
	r.Phase = PhaseHeaders
	return true
}

func (r *Request) parseHeaderLine() bool {
	line, ok := takeLine(r.RecvBuffer)
	if !ok {
		return false
	}
	if line == "" {
		return r.endHeaders()
	}
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return r.fail(ErrBadHeader)
	}
	key := strings.TrimRight(line[:idx], " \t")
	value := strings.TrimSpace(line[idx+1:])

	switch key {
	case "Content-Length":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return r.fail(ErrBadHeader)
		}
		r.ContentLength = n
	case "Content-Type":
		r.ContentType = value
		if strings.Contains(value, ";") {
			parts := strings.Split(value, ";")
			r.ContentType = strings.TrimSpace(parts[0])
			for _, param := range parts[1:] {
				param = strings.TrimSpace(param)
				if b, found := strings.CutPrefix(param, "boundary="); found {
					r.Boundary = strings.Trim(b, `"`)
					r.Headers["boundary"] = r.Boundary
				}
			}
		}
	}
	r.Headers[key] = value
	return true
}

func (r *Request) endHeaders() bool {
	if r.Boundary != "" {
		r.Phase = PhaseBody
		return true
	}
	if r.ContentLength == 0 {
		r.Phase = PhaseComplete
		return false
	}
	r.Phase = PhaseBody
	r.bodyWant = r.ContentLength
	r.Body = make([]byte, 0, r.ContentLength)
	return true
}

func (r *Request) consumeFixedBody() bool {
	need := r.bodyWant - uint64(len(r.Body))
	if need == 0 {
		r.Phase = PhaseComplete
		return false
	}
	avail := uint64(r.RecvBuffer.Len())
	take := need
	if avail < take {
		take = avail
	}
	if take == 0 {
		return false
	}
	r.Body = append(r.Body, r.RecvBuffer.Next(int(take))...)
	if uint64(len(r.Body)) == r.bodyWant {
		r.Phase = PhaseComplete
	}
	return r.Phase != PhaseComplete
}

// KeepAlive reports whether the connection should remain open once this
// request's response has been fully sent, per the response builder's
// keep-alive rule: HTTP/1.1 without "Connection: close", or HTTP/1.0 with
// an explicit "Connection: keep-alive". Any 4xx/5xx response overrides
// this (handled by the response builder), and an ambiguous HTTP/1.0
// client with no explicit header defaults to close, per Open Question 1.
func (r *Request) KeepAlive() bool {
	conn := strings.ToLower(r.Headers["Connection"])
	switch r.Version {
	case "HTTP/1.1":
		return conn != "close"
	case "HTTP/1.0":
		return conn == "keep-alive"
	default:
		return false
	}
}

// takeLine extracts the next CRLF-terminated line from buf without its
// terminator, or reports ok=false if no full line is buffered yet. On
// success the consumed bytes (including the CRLF) are removed from buf.
func takeLine(buf *bytes.Buffer) (string, bool) {
	b := buf.Bytes()
	idx := bytes.Index(b, []byte("\r\n"))
	if idx < 0 {
		return "", false
	}
	line := string(b[:idx])
	buf.Next(idx + 2)
	return line, true
}
