package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// SOCKS5 protocol constants (RFC 1928 subset: no-auth, CONNECT only).
const (
	socksVersion5 = 0x05

	socksMethodNoAuth       = 0x00
	socksMethodNoAcceptable = 0xFF

	socksCmdConnect = 0x01

	socksAtypIPv4   = 0x01
	socksAtypDomain = 0x03
	socksAtypIPv6   = 0x04

	socksRepSucceeded         = 0x00
	socksRepConnectionRefused = 0x05
	socksRepCmdNotSupported   = 0x07
	socksRepAtypeNotSupported = 0x08
)

var errSocksAddrType = errors.New("socks5: unsupported address type")

// SOCKS5Server accepts local clients, runs the SOCKS5 handshake and
// connection request, and relays established tunnels.
type SOCKS5Server struct {
	cfg Config
}

func NewSOCKS5Server(cfg Config) *SOCKS5Server {
	return &SOCKS5Server{cfg: cfg}
}

// Serve accepts connections from ln until it is closed.
func (s *SOCKS5Server) Serve(ctx context.Context, ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(ctx, c)
	}
}

// handleConn drives the per-connection state machine: greeting, request,
// upstream connect, relay. Malformed or truncated input aborts only this
// connection.
func (s *SOCKS5Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	s.cfg.Metrics.connOpened("socks5")
	defer s.cfg.Metrics.connClosed()

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	// greeting
	ver, err := br.ReadByte()
	if err != nil || ver != socksVersion5 {
		return
	}
	nMethods, err := br.ReadByte()
	if err != nil {
		return
	}
	methods := make([]byte, int(nMethods))
	if _, err := io.ReadFull(br, methods); err != nil {
		return
	}

	if bytes.IndexByte(methods, socksMethodNoAuth) < 0 {
		_, _ = bw.Write([]byte{socksVersion5, socksMethodNoAcceptable})
		_ = bw.Flush()
		return
	}
	if _, err := bw.Write([]byte{socksVersion5, socksMethodNoAuth}); err != nil {
		return
	}
	if err := bw.Flush(); err != nil {
		return
	}

	// request: VER CMD RSV ATYP
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return
	}
	if hdr[0] != socksVersion5 {
		return
	}
	if hdr[1] != socksCmdConnect {
		writeSocksReply(bw, socksRepCmdNotSupported)
		return
	}

	dstHost, err := readSocksAddr(br, hdr[3])
	if err != nil {
		// Only an unknown ATYP earns a reply; truncated address bytes
		// just abort the connection.
		if errors.Is(err, errSocksAddrType) {
			writeSocksReply(bw, socksRepAtypeNotSupported)
		}
		return
	}

	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(br, portBytes); err != nil {
		return
	}
	dstPort := binary.BigEndian.Uint16(portBytes)

	dst := net.JoinHostPort(dstHost, strconv.Itoa(int(dstPort)))

	up, err := s.cfg.dialer().DialContext(ctx, "tcp", dst)
	if err != nil {
		s.cfg.Metrics.upstreamFailure("socks5")
		writeSocksReply(bw, socksRepConnectionRefused)
		return
	}
	defer up.Close()

	writeSocksReply(bw, socksRepSucceeded)

	_ = conn.SetDeadline(time.Time{})

	n, _ := Relay(ctx, conn, up)
	s.cfg.Metrics.relayBytes(n)
}

// writeSocksReply writes VER REP RSV ATYP=IPv4 with a zero bind address and
// port, the shape every reply in this server uses.
func writeSocksReply(bw *bufio.Writer, rep byte) {
	_, _ = bw.Write([]byte{socksVersion5, rep, 0x00, socksAtypIPv4, 0, 0, 0, 0, 0, 0})
	_ = bw.Flush()
}

// readSocksAddr parses the request address for the given address type and
// returns it as a dialable host string.
func readSocksAddr(r *bufio.Reader, atyp byte) (string, error) {
	switch atyp {
	case socksAtypIPv4:
		b := make([]byte, 4)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		return net.IP(b).String(), nil
	case socksAtypDomain:
		n, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		b := make([]byte, int(n))
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		return string(b), nil
	case socksAtypIPv6:
		b := make([]byte, 16)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		return formatIPv6(b), nil
	default:
		return "", errSocksAddrType
	}
}

// formatIPv6 renders 16 raw bytes as eight colon-joined 16-bit hex groups
// without zero compression. The resolver accepts the non-canonical form.
func formatIPv6(b []byte) string {
	var sb strings.Builder
	for i := 0; i < 16; i += 2 {
		if i > 0 {
			sb.WriteByte(':')
		}
		fmt.Fprintf(&sb, "%x", binary.BigEndian.Uint16(b[i:i+2]))
	}
	return sb.String()
}
