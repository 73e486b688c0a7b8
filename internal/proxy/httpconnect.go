package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	httpConnectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"
	httpBadGateway         = "HTTP/1.1 502 Bad Gateway\r\n\r\n"
)

// HTTPProxyServer serves an HTTP forward proxy on a raw listener.
//
// CONNECT requests become bidirectional tunnels through the relay. Plain
// requests with an absolute URL are forwarded upstream for exactly one
// request/response cycle and the response is streamed back verbatim; there
// is no keep-alive and no chunked-body awareness on this path.
//
// Parsing is done by hand rather than with net/http because the failure
// replies must be bit-exact and header lines terminated by a bare LF must
// be accepted.
type HTTPProxyServer struct {
	cfg Config
}

func NewHTTPProxyServer(cfg Config) *HTTPProxyServer {
	return &HTTPProxyServer{cfg: cfg}
}

// Serve accepts connections from ln until it is closed.
func (s *HTTPProxyServer) Serve(ctx context.Context, ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(ctx, c)
	}
}

// httpRequest is the parsed request line plus headers of one proxy request.
type httpRequest struct {
	method  string
	target  string
	proto   string
	headers []httpHeader
}

type httpHeader struct {
	name  string
	value string
}

func (s *HTTPProxyServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	s.cfg.Metrics.connOpened("http")
	defer s.cfg.Metrics.connClosed()

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	br := bufio.NewReader(conn)
	req, err := readHTTPRequest(br)
	if err != nil {
		return
	}

	if strings.EqualFold(req.method, http.MethodConnect) {
		s.handleConnect(ctx, conn, req)
		return
	}
	s.handlePlain(ctx, conn, req)
}

// handleConnect dials the target and turns the connection into a tunnel.
func (s *HTTPProxyServer) handleConnect(ctx context.Context, conn net.Conn, req *httpRequest) {
	target := req.target
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	up, err := s.cfg.dialer().DialContext(ctx, "tcp", target)
	if err != nil {
		s.cfg.Metrics.upstreamFailure("http")
		_, _ = io.WriteString(conn, httpBadGateway)
		return
	}
	defer up.Close()

	if _, err := io.WriteString(conn, httpConnectEstablished); err != nil {
		return
	}

	_ = conn.SetDeadline(time.Time{})

	n, _ := Relay(ctx, conn, up)
	s.cfg.Metrics.relayBytes(n)
}

// handlePlain forwards one non-CONNECT request upstream and streams the
// response back until EOF. The request body, if any, is not forwarded.
func (s *HTTPProxyServer) handlePlain(ctx context.Context, conn net.Conn, req *httpRequest) {
	hostPort, path := splitAbsoluteTarget(req.target)

	up, err := s.cfg.dialer().DialContext(ctx, "tcp", hostPort)
	if err != nil {
		s.cfg.Metrics.upstreamFailure("http")
		_, _ = io.WriteString(conn, httpBadGateway)
		return
	}
	defer up.Close()

	bw := bufio.NewWriter(up)
	fmt.Fprintf(bw, "%s %s %s\r\n", req.method, path, req.proto)
	for _, h := range req.headers {
		if strings.EqualFold(h.name, "Proxy-Connection") {
			continue
		}
		fmt.Fprintf(bw, "%s: %s\r\n", h.name, h.value)
	}
	bw.WriteString("\r\n")
	if err := bw.Flush(); err != nil {
		return
	}

	_ = conn.SetDeadline(time.Time{})

	// One-directional: stream the response back until the upstream closes.
	_, _ = io.Copy(conn, up)
}

// readHTTPRequest parses a request line and headers, accepting both CRLF and
// bare LF line terminators.
func readHTTPRequest(br *bufio.Reader) (*httpRequest, error) {
	line, err := readHTTPLine(br)
	if err != nil {
		return nil, err
	}

	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, fmt.Errorf("malformed request line %q", line)
	}
	req := &httpRequest{method: fields[0], target: fields[1], proto: "HTTP/1.1"}
	if len(fields) >= 3 {
		req.proto = fields[2]
	}

	for {
		line, err := readHTTPLine(br)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return req, nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		req.headers = append(req.headers, httpHeader{
			name:  strings.TrimSpace(name),
			value: strings.TrimSpace(value),
		})
	}
}

func readHTTPLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// splitAbsoluteTarget splits a proxy request target like
// "http://host:port/path" into a dialable host:port (default port 80) and
// the origin-form path (default "/").
func splitAbsoluteTarget(target string) (hostPort, path string) {
	target = strings.TrimPrefix(target, "http://")

	hostPort, path, found := strings.Cut(target, "/")
	if found {
		path = "/" + path
	} else {
		path = "/"
	}

	if _, _, err := net.SplitHostPort(hostPort); err != nil {
		hostPort = net.JoinHostPort(hostPort, "80")
	}
	return hostPort, path
}
