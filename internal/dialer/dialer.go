package dialer

import (
	"context"
	"net"
)

// Dialer mirrors the net.Dialer interface.
//
// Proxy handlers use it to establish upstream connections on behalf of
// clients; tests substitute implementations that refuse or record dials.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}
