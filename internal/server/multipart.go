package server

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/filed/filed/internal/util"
)

// UploadPhase is the multipart streaming handler's state machine phase.
type UploadPhase int

const (
	UploadSeekBoundary UploadPhase = iota
	UploadSeekPartHeaders
	UploadStreamContent
	UploadFinalize
	UploadComplete
	UploadFailed
)

// UploadState streams one multipart/form-data body directly to disk. It
// never buffers the whole body: StreamContent retains only the last
// len(boundary)+4 bytes so a boundary marker split across two reads is
// still detected before those bytes are written out.
type UploadState struct {
	Phase UploadPhase

	boundary    string
	docRoot     string
	maxFileSize int64

	buf         bytes.Buffer
	headerLines []string

	file         *os.File
	Filename     string
	BytesWritten int64

	Err error
}

// NewUploadState begins streaming a multipart body delimited by boundary
// into files created under docRoot.
func NewUploadState(boundary, docRoot string, maxFileSize int64) *UploadState {
	return &UploadState{
		Phase:       UploadSeekBoundary,
		boundary:    boundary,
		docRoot:     docRoot,
		maxFileSize: maxFileSize,
	}
}

// Feed appends data to the handler's scan buffer and drives the state
// machine forward as far as buffered data allows.
func (u *UploadState) Feed(data []byte) {
	if len(data) > 0 {
		u.buf.Write(data)
	}
	for u.step() {
	}
}

func (u *UploadState) step() bool {
	switch u.Phase {
	case UploadSeekBoundary:
		return u.seekBoundary()
	case UploadSeekPartHeaders:
		return u.seekPartHeaders()
	case UploadStreamContent:
		return u.streamContent()
	case UploadFinalize:
		return u.finalize()
	default:
		return false
	}
}

func (u *UploadState) fail(err error) bool {
	u.Phase = UploadFailed
	u.Err = err
	if u.file != nil {
		u.file.Close()
		u.file = nil
	}
	return false
}

func (u *UploadState) seekBoundary() bool {
	delim := []byte("--" + u.boundary + "\r\n")
	b := u.buf.Bytes()
	idx := bytes.Index(b, delim)
	if idx < 0 {
		return false
	}
	u.buf.Next(idx + len(delim))
	u.Phase = UploadSeekPartHeaders
	return true
}

func (u *UploadState) seekPartHeaders() bool {
	line, ok := takeLine(&u.buf)
	if !ok {
		return false
	}
	if line != "" {
		u.headerLines = append(u.headerLines, line)
		return true
	}

	filename, err := extractDispositionFilename(u.headerLines)
	u.headerLines = nil
	if err != nil {
		return u.fail(err)
	}
	safe, err := util.SafeFilename(filename)
	if err != nil {
		return u.fail(ErrUploadBadFilename)
	}
	path, err := util.SafeJoin(u.docRoot, safe)
	if err != nil {
		return u.fail(ErrUploadBadFilename)
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return u.fail(ErrUploadIOFailed)
	}
	u.file = f
	u.Filename = safe
	u.BytesWritten = 0
	u.Phase = UploadStreamContent
	return true
}

func (u *UploadState) streamContent() bool {
	marker := []byte("\r\n--" + u.boundary)
	b := u.buf.Bytes()

	if idx := bytes.Index(b, marker); idx >= 0 {
		if idx > 0 {
			if !u.writeChunk(b[:idx]) {
				return false
			}
		}
		u.buf.Next(idx + len(marker))
		u.file.Close()
		u.file = nil
		u.Phase = UploadFinalize
		return true
	}

	keep := len(u.boundary) + 4
	if u.buf.Len() > keep {
		flush := u.buf.Len() - keep
		chunk := u.buf.Next(flush)
		if !u.writeChunk(chunk) {
			return false
		}
	}
	return false
}

func (u *UploadState) writeChunk(chunk []byte) bool {
	if u.maxFileSize > 0 && u.BytesWritten+int64(len(chunk)) > u.maxFileSize {
		u.fail(ErrUploadIOFailed)
		return false
	}
	if _, err := u.file.Write(chunk); err != nil {
		u.fail(ErrUploadIOFailed)
		return false
	}
	u.BytesWritten += int64(len(chunk))
	return true
}

func (u *UploadState) finalize() bool {
	b := u.buf.Bytes()
	if bytes.HasPrefix(b, []byte("--")) {
		if len(b) < 4 {
			return false
		}
		if string(b[:4]) != "--\r\n" {
			return u.fail(ErrUploadIOFailed)
		}
		u.buf.Next(4)
		u.Phase = UploadComplete
		return false
	}
	if len(b) < 2 {
		return false
	}
	if string(b[:2]) != "\r\n" {
		return u.fail(ErrUploadIOFailed)
	}
	u.buf.Next(2)
	u.Phase = UploadSeekPartHeaders
	return true
}

// extractDispositionFilename scans the accumulated part-header lines for
// Content-Disposition's filename="..." parameter.
func extractDispositionFilename(lines []string) (string, error) {
	for _, line := range lines {
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		if !strings.EqualFold(key, "Content-Disposition") {
			continue
		}
		value := line[idx+1:]
		const marker = `filename="`
		fi := strings.Index(value, marker)
		if fi < 0 {
			return "", ErrUploadMissingName
		}
		rest := value[fi+len(marker):]
		end := strings.IndexByte(rest, '"')
		if end < 0 {
			return "", ErrUploadMissingName
		}
		return rest[:end], nil
	}
	return "", ErrUploadMissingName
}

func (u *UploadState) String() string {
	return fmt.Sprintf("UploadState{phase=%d file=%q written=%d}", u.Phase, u.Filename, u.BytesWritten)
}
