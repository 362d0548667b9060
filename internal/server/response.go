package server

import (
	"bytes"
	"fmt"
	"html"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/filed/filed/internal/util"
	"golang.org/x/sys/unix"
)

// SendPhase drives the resumable sender: each Send call makes as much
// progress as the socket's current writability allows and returns,
// leaving the phase where it stopped for the next writable event.
type SendPhase int

const (
	SendHeaders SendPhase = iota
	SendBody
	SendDone
)

// body is the response payload abstraction dispatched on by the sender:
// an empty body, an in-memory HTML buffer, or a file transmitted via
// sendfile with a read+write fallback.
type body interface {
	size() int64
	// sendFrom attempts one non-blocking write of the body's content
	// starting at byte offset, returning the number of bytes it
	// actually wrote this call.
	sendFrom(fd int, offset int64) (int, error)
	close()
}

type emptyBody struct{}

func (emptyBody) size() int64 { return 0 }
func (emptyBody) sendFrom(int, int64) (int, error) { return 0, nil }
func (emptyBody) close() {}

type htmlBody struct{ data []byte }

func (h *htmlBody) size() int64 { return int64(len(h.data)) }
func (h *htmlBody) sendFrom(fd int, offset int64) (int, error) {
	return util.WriteOnce(fd, h.data[offset:])
}
func (h *htmlBody) close() {}

// sendfileChunkSize bounds each zero-copy transfer attempt so one giant
// file can't monopolize a worker goroutine across a single Send call in
// the (rare, non-blocking) case the kernel is willing to move more than
// makes sense to hand back at once.
const sendfileChunkSize = 4 << 20

type fileBody struct {
	path        string
	file        *os.File
	fileSize    int64
	useSendfile bool
}

func (f *fileBody) size() int64 { return f.fileSize }

func (f *fileBody) sendFrom(fd int, offset int64) (int, error) {
	remaining := f.fileSize - offset
	if remaining <= 0 {
		return 0, nil
	}
	want := remaining
	if want > sendfileChunkSize {
		want = sendfileChunkSize
	}
	if !f.useSendfile {
		return f.fallbackCopy(fd, offset, want)
	}
	off := offset
	n, err := unix.Sendfile(fd, int(f.file.Fd()), &off, int(want))
	if err == nil {
		return n, nil
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return n, util.ErrWouldBlock
	}
	if err == unix.EINVAL || err == unix.ENOSYS {
		return f.fallbackCopy(fd, offset, want)
	}
	return n, err
}

// fallbackCopy is used when sendfile isn't available for this fd pair
// (e.g. the destination isn't a socket the kernel supports, or the
// syscall isn't implemented on this platform), reading via pread so the
// file's own cursor is never touched across resumed Send calls.
func (f *fileBody) fallbackCopy(fd int, offset, want int64) (int, error) {
	buf := make([]byte, want)
	n, err := unix.Pread(int(f.file.Fd()), buf, offset)
	if err != nil {
		return 0, err
	}
	written, werr := util.WriteOnce(fd, buf[:n])
	return written, werr
}

func (f *fileBody) close() {
	if f.file != nil {
		f.file.Close()
	}
}

// Response is the per-request response record: status line, headers, and
// a body dispatched by kind, with a resumable sender tracking BytesSent
// across possibly many partial writes.
type Response struct {
	Version      string
	StatusCode   int
	ReasonPhrase string
	Headers      map[string]string
	headerOrder  []string
	Body         body
	BytesSent    int64
	sendPhase    SendPhase
	cachedHeader []byte

	// KeepAlive is decided once at build time (request version/header,
	// overridden to false for any 4xx/5xx status) and read by the
	// reactor after Send reaches SendDone.
	KeepAlive bool
}

// NewResponse returns a 200 OK response with default headers, matching
// the data model's stated defaults.
func NewResponse() *Response {
	r := &Response{
		Version:      "HTTP/1.1",
		StatusCode:   200,
		ReasonPhrase: "OK",
		Headers:      make(map[string]string),
		Body:         emptyBody{},
		KeepAlive:    true,
	}
	r.SetHeader("Server", "filed")
	return r
}

// SetHeader sets a header, remembering first-seen order so the wire
// output is stable and readable rather than map-iteration-random.
func (r *Response) SetHeader(key, value string) {
	if _, exists := r.Headers[key]; !exists {
		r.headerOrder = append(r.headerOrder, key)
	}
	r.Headers[key] = value
}

func (r *Response) finalize() {
	r.SetHeader("Date", time.Now().UTC().Format(time.RFC1123))
	r.SetHeader("Content-Length", strconv.FormatInt(r.Body.size(), 10))
	if r.KeepAlive {
		r.SetHeader("Connection", "keep-alive")
	} else {
		r.SetHeader("Connection", "close")
	}
}

func (r *Response) headerBytes() []byte {
	if r.cachedHeader != nil {
		return r.cachedHeader
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %d %s\r\n", r.Version, r.StatusCode, r.ReasonPhrase)
	for _, key := range r.headerOrder {
		fmt.Fprintf(&b, "%s: %s\r\n", key, r.Headers[key])
	}
	b.WriteString("\r\n")
	r.cachedHeader = b.Bytes()
	return r.cachedHeader
}

// Send attempts as much progress as fd's current writability allows,
// advancing BytesSent and sendPhase. It returns util.ErrWouldBlock (via
// util.IsWouldBlock) when the socket can't currently take more, a real
// error on failure, or nil once sendPhase reaches SendDone.
func (r *Response) Send(fd int) error {
	if r.cachedHeader == nil {
		r.finalize()
	}
	for {
		switch r.sendPhase {
		case SendHeaders:
			hdr := r.headerBytes()
			if r.BytesSent >= int64(len(hdr)) {
				r.sendPhase = SendBody
				continue
			}
			n, err := util.WriteOnce(fd, hdr[r.BytesSent:])
			if n > 0 {
				r.BytesSent += int64(n)
			}
			if err != nil {
				return err
			}
		case SendBody:
			hdrLen := int64(len(r.headerBytes()))
			bodyOffset := r.BytesSent - hdrLen
			if bodyOffset >= r.Body.size() {
				r.sendPhase = SendDone
				continue
			}
			n, err := r.Body.sendFrom(fd, bodyOffset)
			if n > 0 {
				r.BytesSent += int64(n)
			}
			if err != nil {
				return err
			}
			if n == 0 {
				// No progress and no error: nothing more to give this
				// call; wait for the next writable event.
				return util.ErrWouldBlock
			}
		case SendDone:
			r.Body.close()
			return nil
		}
	}
}

// Done reports whether the sender has finished.
func (r *Response) Done() bool { return r.sendPhase == SendDone }

// Close releases the body's resources (e.g. an open file) without
// requiring the send to have finished. Safe to call after Send has
// already reached SendDone, and safe to call more than once.
func (r *Response) Close() {
	if r.Body != nil {
		r.Body.close()
	}
}

// TotalSize is len(headers) + body size, the wire total BytesSent should
// equal once sending completes.
func (r *Response) TotalSize() int64 {
	return int64(len(r.headerBytes())) + r.Body.size()
}

// NewErrorResponse builds a minimal HTML error page and disables
// keep-alive, per the error handling design's "keep-alive is disabled on
// any 4xx/5xx response" rule.
func NewErrorResponse(code int, reason string) *Response {
	r := NewResponse()
	r.StatusCode = code
	r.ReasonPhrase = reason
	r.KeepAlive = false
	page := fmt.Sprintf("<html><head><title>%d %s</title></head><body><h1>%d %s</h1></body></html>", code, html.EscapeString(reason), code, html.EscapeString(reason))
	r.Body = &htmlBody{data: []byte(page)}
	r.SetHeader("Content-Type", "text/html; charset=utf-8")
	return r
}

// NewRedirectResponse builds a 303 See Other pointing at location, used
// after a successful upload (Open Question 3: either a redirect or a 200
// with the index page is acceptable; this implementation redirects).
func NewRedirectResponse(location string) *Response {
	r := NewResponse()
	r.StatusCode = 303
	r.ReasonPhrase = "See Other"
	r.SetHeader("Location", location)
	r.Body = emptyBody{}
	return r
}

const indexPageTemplate = `<!DOCTYPE html>
<html>
<head><title>Index of %s</title></head>
<body>
<h1>Index of %s</h1>
<ul>
%s</ul>
<hr>
<form method="POST" action="/" enctype="multipart/form-data">
<input type="file" name="file">
<input type="submit" value="Upload">
</form>
</body>
</html>
`

// BuildIndexResponse renders the document root's immediate entries as
// anchor links plus an upload form, per the response builder's directory
// listing rule.
func BuildIndexResponse(docRoot string) *Response {
	entries, err := os.ReadDir(docRoot)
	if err != nil {
		return NewErrorResponse(500, "Internal Server Error")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var items bytes.Buffer
	for _, e := range entries {
		name := e.Name()
		href := url.PathEscape(name)
		if e.IsDir() {
			href += "/"
		}
		fmt.Fprintf(&items, "<li><a href=\"/%s\">%s</a></li>\n", href, html.EscapeString(name))
	}

	page := fmt.Sprintf(indexPageTemplate, "/", "/", items.String())
	r := NewResponse()
	r.Body = &htmlBody{data: []byte(page)}
	r.SetHeader("Content-Type", "text/html; charset=utf-8")
	return r
}

// BuildFileResponse serves path as a regular file. When enableSendfile is
// true, transmission is attempted via zero-copy sendfile(2) first, falling
// back to a pread+write copy only if the kernel refuses; when false, the
// pread+write path is used unconditionally.
func BuildFileResponse(path string, enableSendfile bool) *Response {
	f, err := os.Open(path)
	if err != nil {
		return NewErrorResponse(404, "Not Found")
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() || !info.Mode().IsRegular() {
		f.Close()
		return NewErrorResponse(404, "Not Found")
	}
	r := NewResponse()
	r.Body = &fileBody{path: path, file: f, fileSize: info.Size(), useSendfile: enableSendfile}
	r.SetHeader("Content-Type", detectContentType(path))
	return r
}

// BuildResponse routes a completed GET/HEAD request to an index listing,
// a file, or a 404, applying URI decoding and document-root confinement
// per the response builder's URI decoding rule. enableSendfile is threaded
// down to the eventual fileBody so Config.EnableSendfile actually gates
// which transfer path a file response uses.
func BuildResponse(req *Request, docRoot string, enableSendfile bool) *Response {
	if req.Method != "GET" && req.Method != "HEAD" {
		return NewErrorResponse(404, "Not Found")
	}

	rawPath := req.URI
	if idx := strings.IndexByte(rawPath, '?'); idx >= 0 {
		rawPath = rawPath[:idx]
	}
	decoded, err := url.PathUnescape(rawPath)
	if err != nil {
		return NewErrorResponse(400, "Bad Request")
	}

	if decoded == "/" || decoded == "" {
		return BuildIndexResponse(docRoot)
	}

	resolved, err := util.SafeJoin(docRoot, decoded)
	if err != nil {
		return NewErrorResponse(403, "Forbidden")
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return NewErrorResponse(404, "Not Found")
	}
	if info.IsDir() {
		if filepath.Clean(resolved) == filepath.Clean(docRoot) {
			return BuildIndexResponse(docRoot)
		}
		return NewErrorResponse(404, "Not Found")
	}
	return BuildFileResponse(resolved, enableSendfile)
}
