package proxy

import (
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/sproxy2/sproxy2/internal/dialer"
)

// ProxyType selects the protocol an instance speaks on its local listener.
type ProxyType string

const (
	TypeSOCKS5 ProxyType = "socks5"
	TypeHTTP   ProxyType = "http"
)

// ProxyConfig is the immutable record describing one proxy endpoint.
//
// The engine trusts it as supplied; validation (port ranges, duplicate
// listen endpoints) is the loader's job. A SOCKS5 config with SSHUsername
// set runs in tunnel mode: ListenAddress/ListenPort then name the SSH
// server to dial, and the local SOCKS endpoint is 127.0.0.1:BindPort.
type ProxyConfig struct {
	ListenAddress string
	ListenPort    int
	BindPort      int
	Type          ProxyType
	RunOnStartup  bool
	SSHUsername   string
}

// ListenAddr returns the local listen endpoint for direct modes.
func (c ProxyConfig) ListenAddr() string {
	return net.JoinHostPort(c.ListenAddress, strconv.Itoa(c.ListenPort))
}

// Tunneled reports whether this config runs through an external SSH process.
func (c ProxyConfig) Tunneled() bool {
	return c.Type == TypeSOCKS5 && c.SSHUsername != ""
}

// Config carries the engine-wide settings shared by all instances.
type Config struct {
	DialTimeout        time.Duration
	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	// Dialer establishes upstream connections. Nil means a direct TCP
	// dialer built from DialTimeout and KeepAlive.
	Dialer dialer.Dialer

	// Logger receives lifecycle and failure events. Nil means slog.Default.
	Logger *slog.Logger

	// Metrics is optional; a nil Metrics records nothing.
	Metrics *Metrics
}

func (c Config) dialer() dialer.Dialer {
	if c.Dialer != nil {
		return c.Dialer
	}
	return dialer.NewDirectDialer(dialer.Config{
		DialTimeout: c.DialTimeout,
		KeepAlive:   c.KeepAlive,
	})
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
