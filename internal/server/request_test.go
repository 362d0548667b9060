package server

import "testing"

func TestParseSimpleGet(t *testing.T) {
	r := NewRequest()
	r.Feed([]byte("GET /hello.txt HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))

	if r.Phase != PhaseComplete {
		t.Fatalf("Phase = %v, want Complete", r.Phase)
	}
	if r.Method != "GET" || r.URI != "/hello.txt" || r.Version != "HTTP/1.1" {
		t.Errorf("unexpected request line: %+v", r)
	}
	if r.Headers["Host"] != "x" {
		t.Errorf("Host header = %q", r.Headers["Host"])
	}
	if r.KeepAlive() {
		t.Error("Connection: close should disable keep-alive")
	}
}

func TestParseByteAtATime(t *testing.T) {
	req := "GET / HTTP/1.1\r\nHost: x\r\n\r\n"
	r := NewRequest()
	for i := 0; i < len(req); i++ {
		r.Feed([]byte{req[i]})
		if r.Phase == PhaseFailed {
			t.Fatalf("parser failed mid-stream at byte %d: %v", i, r.Err)
		}
	}
	if r.Phase != PhaseComplete {
		t.Fatalf("Phase = %v, want Complete after full request delivered one byte at a time", r.Phase)
	}
}

func TestContentLengthZeroIsImmediatelyComplete(t *testing.T) {
	r := NewRequest()
	r.Feed([]byte("GET / HTTP/1.1\r\nContent-Length: 0\r\n\r\n"))
	if r.Phase != PhaseComplete {
		t.Fatalf("Phase = %v, want Complete", r.Phase)
	}
	if len(r.Body) != 0 {
		t.Errorf("Body = %q, want empty", r.Body)
	}
}

func TestFixedLengthBodyAcrossReads(t *testing.T) {
	r := NewRequest()
	r.Feed([]byte("POST /x HTTP/1.1\r\nContent-Length: 5\r\n\r\nhel"))
	if r.Phase != PhaseBody {
		t.Fatalf("Phase = %v, want Body while awaiting more bytes", r.Phase)
	}
	r.Feed([]byte("lo"))
	if r.Phase != PhaseComplete {
		t.Fatalf("Phase = %v, want Complete", r.Phase)
	}
	if string(r.Body) != "hello" {
		t.Errorf("Body = %q, want %q", r.Body, "hello")
	}
}

func TestBadRequestLineFails(t *testing.T) {
	r := NewRequest()
	r.Feed([]byte("NOTAMETHOD\r\n\r\n"))
	if r.Phase != PhaseFailed {
		t.Fatalf("Phase = %v, want Failed", r.Phase)
	}
	if r.Err != ErrBadRequestLine {
		t.Errorf("Err = %v, want ErrBadRequestLine", r.Err)
	}
}

func TestBadHeaderFails(t *testing.T) {
	r := NewRequest()
	r.Feed([]byte("GET / HTTP/1.1\r\nNoColonHere\r\n\r\n"))
	if r.Phase != PhaseFailed {
		t.Fatalf("Phase = %v, want Failed", r.Phase)
	}
	if r.Err != ErrBadHeader {
		t.Errorf("Err = %v, want ErrBadHeader", r.Err)
	}
}

func TestDuplicateHeadersOverwrite(t *testing.T) {
	r := NewRequest()
	r.Feed([]byte("GET / HTTP/1.1\r\nX-Thing: first\r\nX-Thing: second\r\n\r\n"))
	if r.Headers["X-Thing"] != "second" {
		t.Errorf("X-Thing = %q, want %q", r.Headers["X-Thing"], "second")
	}
}

func TestMultipartBoundaryExtracted(t *testing.T) {
	r := NewRequest()
	r.Feed([]byte("POST / HTTP/1.1\r\nContent-Type: multipart/form-data; boundary=X\r\n\r\n"))
	if r.Boundary != "X" {
		t.Errorf("Boundary = %q, want X", r.Boundary)
	}
	if r.ContentType != "multipart/form-data" {
		t.Errorf("ContentType = %q, want multipart/form-data", r.ContentType)
	}
	if r.Phase != PhaseBody {
		t.Fatalf("Phase = %v, want Body (handed off to multipart handler)", r.Phase)
	}
}

func TestHTTP10DefaultsToClose(t *testing.T) {
	r := NewRequest()
	r.Feed([]byte("GET / HTTP/1.0\r\n\r\n"))
	if r.KeepAlive() {
		t.Error("HTTP/1.0 with no explicit Connection header must default to close")
	}
}

func TestHTTP10ExplicitKeepAlive(t *testing.T) {
	r := NewRequest()
	r.Feed([]byte("GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n"))
	if !r.KeepAlive() {
		t.Error("HTTP/1.0 with explicit Connection: keep-alive should stay open")
	}
}
