package server

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/filed/filed/internal/config"
	"github.com/filed/filed/internal/logging"
)

// testReactor starts a reactor on a fixed loopback port with cfg applied
// on top of sane defaults, and arranges for it to be torn down when the
// test ends.
func testReactor(t *testing.T, port int, mutate func(*config.Config)) string {
	t.Helper()
	docRoot := t.TempDir()

	cfg := config.Default()
	cfg.Port = port
	cfg.BindAddress = "127.0.0.1"
	cfg.DocumentRoot = docRoot
	cfg.ThreadCount = 2
	cfg.ConnectionTimeoutSeconds = 60
	cfg.KeepAliveTimeoutSeconds = 60
	cfg.ShutdownTimeoutSeconds = 2
	if mutate != nil {
		mutate(&cfg)
	}
	cfg.Resolve()

	log, err := logging.New(config.LevelError, "")
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}

	r, err := New(cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go r.Run()
	t.Cleanup(func() {
		r.shuttingDown.Store(true)
	})

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return docRoot
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("reactor never came up listening on %s", addr)
	return ""
}

func sendRequest(t *testing.T, addr, raw string) *bufio.Reader {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
	return bufio.NewReader(conn)
}

func TestReactorServesGetForKnownFile(t *testing.T) {
	docRoot := testReactor(t, 18881, nil)
	if err := os.WriteFile(filepath.Join(docRoot, "hello.txt"), []byte("hello reactor\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rd := sendRequest(t, "127.0.0.1:18881", "GET /hello.txt HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	status, err := rd.ReadString('\n')
	if err != nil {
		t.Fatalf("reading status line: %v", err)
	}
	if !strings.HasPrefix(status, "HTTP/1.1 200") {
		t.Fatalf("status line = %q, want 200", status)
	}
}

func TestReactorServesIndexListing(t *testing.T) {
	docRoot := testReactor(t, 18882, nil)
	if err := os.WriteFile(filepath.Join(docRoot, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}

	rd := sendRequest(t, "127.0.0.1:18882", "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	status, err := rd.ReadString('\n')
	if err != nil {
		t.Fatalf("reading status line: %v", err)
	}
	if !strings.HasPrefix(status, "HTTP/1.1 200") {
		t.Fatalf("status line = %q, want 200", status)
	}
}

func TestReactorRejectsPathTraversal(t *testing.T) {
	testReactor(t, 18883, nil)

	rd := sendRequest(t, "127.0.0.1:18883", "GET /../../etc/passwd HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	status, err := rd.ReadString('\n')
	if err != nil {
		t.Fatalf("reading status line: %v", err)
	}
	if !strings.HasPrefix(status, "HTTP/1.1 403") && !strings.HasPrefix(status, "HTTP/1.1 404") {
		t.Fatalf("status line = %q, want 403 or 404", status)
	}
}

func TestReactorRejectsBadRequestLine(t *testing.T) {
	testReactor(t, 18884, nil)

	rd := sendRequest(t, "127.0.0.1:18884", "NOT A REQUEST LINE\r\n\r\n")
	status, err := rd.ReadString('\n')
	if err != nil {
		t.Fatalf("reading status line: %v", err)
	}
	if !strings.HasPrefix(status, "HTTP/1.1 400") {
		t.Fatalf("status line = %q, want 400", status)
	}
}

func TestReactorKeepAliveServesTwoRequestsOnOneConnection(t *testing.T) {
	docRoot := testReactor(t, 18885, nil)
	if err := os.WriteFile(filepath.Join(docRoot, "hello.txt"), []byte("hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	conn, err := net.DialTimeout("tcp", "127.0.0.1:18885", time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	rd := bufio.NewReader(conn)
	for i := 0; i < 2; i++ {
		if _, err := conn.Write([]byte("GET /hello.txt HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		status, err := rd.ReadString('\n')
		if err != nil {
			t.Fatalf("reading status line %d: %v", i, err)
		}
		if !strings.HasPrefix(status, "HTTP/1.1 200") {
			t.Fatalf("request %d: status line = %q, want 200", i, status)
		}
		// Drain headers and body length by scanning until we see
		// Content-Length and then discard that many bytes, so the
		// second request's status line is aligned on the wire.
		var contentLength int
		for {
			line, err := rd.ReadString('\n')
			if err != nil {
				t.Fatalf("reading headers %d: %v", i, err)
			}
			trimmed := strings.TrimRight(line, "\r\n")
			if trimmed == "" {
				break
			}
			if strings.HasPrefix(trimmed, "Content-Length:") {
				fmt.Sscanf(strings.TrimSpace(strings.TrimPrefix(trimmed, "Content-Length:")), "%d", &contentLength)
			}
		}
		body := make([]byte, contentLength)
		if _, err := rd.Read(body); err != nil && contentLength > 0 {
			t.Fatalf("reading body %d: %v", i, err)
		}
	}
}

func TestReactorMultipartUploadStreamsFileToDisk(t *testing.T) {
	docRoot := testReactor(t, 18887, nil)

	body := "--XYZ\r\n" +
		"Content-Disposition: form-data; name=\"file\"; filename=\"upload.txt\"\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"hello upload\r\n" +
		"--XYZ--\r\n"
	raw := fmt.Sprintf(
		"POST / HTTP/1.1\r\nHost: x\r\nContent-Type: multipart/form-data; boundary=XYZ\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(body), body,
	)

	rd := sendRequest(t, "127.0.0.1:18887", raw)
	status, err := rd.ReadString('\n')
	if err != nil {
		t.Fatalf("reading status line: %v", err)
	}
	if !strings.HasPrefix(status, "HTTP/1.1 303") {
		t.Fatalf("status line = %q, want 303 See Other", status)
	}

	got, err := os.ReadFile(filepath.Join(docRoot, "upload.txt"))
	if err != nil {
		t.Fatalf("reading uploaded file: %v", err)
	}
	if string(got) != "hello upload" {
		t.Errorf("uploaded file content = %q, want %q", got, "hello upload")
	}
}

func TestReactorMultipartUploadWithTraversalFilenameIsForbidden(t *testing.T) {
	testReactor(t, 18888, nil)

	body := "--XYZ\r\n" +
		"Content-Disposition: form-data; name=\"file\"; filename=\"../evil.txt\"\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"malicious\r\n" +
		"--XYZ--\r\n"
	raw := fmt.Sprintf(
		"POST / HTTP/1.1\r\nHost: x\r\nContent-Type: multipart/form-data; boundary=XYZ\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(body), body,
	)

	rd := sendRequest(t, "127.0.0.1:18888", raw)
	status, err := rd.ReadString('\n')
	if err != nil {
		t.Fatalf("reading status line: %v", err)
	}
	if !strings.HasPrefix(status, "HTTP/1.1 403") {
		t.Fatalf("status line = %q, want 403 Forbidden for a path-traversal filename", status)
	}
}

func TestReactorIdleConnectionIsReaped(t *testing.T) {
	testReactor(t, 18886, func(c *config.Config) {
		c.ConnectionTimeoutSeconds = 1
	})

	conn, err := net.DialTimeout("tcp", "127.0.0.1:18886", time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Never send a request; the idle sweep should close this connection
	// well within the test's own deadline.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if n != 0 {
		t.Fatalf("expected no bytes from a reaped idle connection, got %d", n)
	}
	if err == nil {
		t.Fatal("expected read error (EOF) once the idle connection is reaped")
	}
}
