package dialer

import (
	"context"
	"fmt"
	"net"
)

type directDialer struct {
	cfg Config
}

// NewDirectDialer constructs a Dialer that connects straight to the
// destination with the configured dial timeout and TCP keepalive.
func NewDirectDialer(cfg Config) Dialer {
	return &directDialer{cfg: cfg}
}

func (d *directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	dd := net.Dialer{Timeout: d.cfg.DialTimeout}

	conn, err := dd.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(d.cfg.KeepAlive)
	}

	return conn, nil
}
