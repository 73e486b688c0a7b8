package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sproxy2/sproxy2/internal/testutil"
)

func startHTTPProxy(t *testing.T, cfg Config) net.Listener {
	t.Helper()

	ln, err := ListenTCP(context.Background(), "tcp", "127.0.0.1:0", net.KeepAliveConfig{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	srv := NewHTTPProxyServer(cfg)
	go func() { _ = srv.Serve(context.Background(), ln) }()
	return ln
}

func TestHTTPConnectTunnel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	ln := startHTTPProxy(t, Config{DialTimeout: 2 * time.Second})

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := io.WriteString(c, "CONNECT "+echoLn.Addr().String()+" HTTP/1.1\r\nHost: "+echoLn.Addr().String()+"\r\n\r\n"); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(c)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if status != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("status line = %q", status)
	}
	blank, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if blank != "\r\n" {
		t.Fatalf("expected empty line, got %q", blank)
	}

	testutil.AssertEcho(t, c, br, []byte("tunnel payload"))
}

func TestHTTPConnectUpstreamFailure(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := probe.Addr().String()
	_ = probe.Close()

	ln := startHTTPProxy(t, Config{DialTimeout: 2 * time.Second})

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := io.WriteString(c, "CONNECT "+deadAddr+" HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatal(err)
	}

	// Exactly the 502 response, then EOF.
	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "HTTP/1.1 502 Bad Gateway\r\n\r\n" {
		t.Fatalf("response = %q", string(got))
	}
}

func TestHTTPPlainRequestForwarded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var upstreamGot string
	origin, wait := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		br := bufio.NewReader(c)
		var sb strings.Builder
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			sb.WriteString(line)
			if line == "\r\n" {
				break
			}
		}
		upstreamGot = sb.String()
		_, _ = io.WriteString(c, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	})

	ln := startHTTPProxy(t, Config{DialTimeout: 2 * time.Second})

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	req := "GET http://" + origin.Addr().String() + "/some/path HTTP/1.1\r\n" +
		"Host: " + origin.Addr().String() + "\r\n" +
		"Proxy-Connection: keep-alive\r\n" +
		"X-Custom: yes\r\n\r\n"
	if _, err := io.WriteString(c, req); err != nil {
		t.Fatal(err)
	}

	resp, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok" {
		t.Fatalf("response = %q", string(resp))
	}

	wait()

	if !strings.HasPrefix(upstreamGot, "GET /some/path HTTP/1.1\r\n") {
		t.Fatalf("upstream request line wrong: %q", upstreamGot)
	}
	if strings.Contains(upstreamGot, "Proxy-Connection") {
		t.Fatalf("Proxy-Connection header not dropped: %q", upstreamGot)
	}
	if !strings.Contains(upstreamGot, "X-Custom: yes\r\n") {
		t.Fatalf("custom header lost: %q", upstreamGot)
	}
}

func TestHTTPPlainRequestUpstreamFailure(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := probe.Addr().String()
	_ = probe.Close()

	ln := startHTTPProxy(t, Config{DialTimeout: 2 * time.Second})

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := io.WriteString(c, "GET http://"+deadAddr+"/ HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatal(err)
	}

	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "HTTP/1.1 502 Bad Gateway\r\n\r\n" {
		t.Fatalf("response = %q", string(got))
	}
}

func TestHTTPBareLFHeaders(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	ln := startHTTPProxy(t, Config{DialTimeout: 2 * time.Second})

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	// Bare-LF terminators must be accepted.
	if _, err := io.WriteString(c, "CONNECT "+echoLn.Addr().String()+" HTTP/1.1\nHost: x\n\n"); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(c)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(status, "HTTP/1.1 200") {
		t.Fatalf("status line = %q", status)
	}
}

func TestSplitAbsoluteTarget(t *testing.T) {
	for _, tc := range []struct {
		target   string
		hostPort string
		path     string
	}{
		{"http://example.com/index.html", "example.com:80", "/index.html"},
		{"http://example.com:8080/a/b", "example.com:8080", "/a/b"},
		{"http://example.com", "example.com:80", "/"},
		{"example.com:8080/x", "example.com:8080", "/x"},
	} {
		hostPort, path := splitAbsoluteTarget(tc.target)
		if hostPort != tc.hostPort || path != tc.path {
			t.Errorf("splitAbsoluteTarget(%q) = (%q, %q), want (%q, %q)",
				tc.target, hostPort, path, tc.hostPort, tc.path)
		}
	}
}
