// Package config loads, validates, and saves the sproxy2 TOML config file.
//
// The file holds one [proxies.<name>] table per endpoint. The loader is the
// gatekeeper: the proxy engine trusts whatever records it is handed, so all
// validation (required keys, port ranges, the proxy_type enum, duplicate
// listen endpoints) happens here.
package config

import (
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/sproxy2/sproxy2/internal/proxy"
)

// Proxy is one [proxies.<name>] table.
type Proxy struct {
	ListenAddress string `toml:"listen_address" validate:"required"`
	ListenPort    int    `toml:"listen_port" validate:"required,gt=0,lt=65536"`
	BindPort      int    `toml:"bind_port" validate:"required,gt=0,lt=65536"`
	ProxyType     string `toml:"proxy_type,omitempty" validate:"omitempty,oneof=socks5 http"`
	RunOnStartup  bool   `toml:"run_on_startup,omitempty"`
	SSHUsername   string `toml:"ssh_username,omitempty"`
}

// ProxyConfig converts the record into the engine's form. Missing
// proxy_type defaults to socks5.
func (p Proxy) ProxyConfig() proxy.ProxyConfig {
	typ := proxy.ProxyType(p.ProxyType)
	if typ == "" {
		typ = proxy.TypeSOCKS5
	}
	return proxy.ProxyConfig{
		ListenAddress: p.ListenAddress,
		ListenPort:    p.ListenPort,
		BindPort:      p.BindPort,
		Type:          typ,
		RunOnStartup:  p.RunOnStartup,
		SSHUsername:   p.SSHUsername,
	}
}

// File is the whole config document.
type File struct {
	Proxies map[string]Proxy `toml:"proxies"`
}

// Names returns the proxy names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Proxies))
	for name := range f.Proxies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every proxy record and rejects duplicate listen
// endpoints: two proxies sharing (listen_address, listen_port) cannot both
// bind.
func (f *File) Validate() error {
	seen := make(map[string]string)

	for _, name := range f.Names() {
		p := f.Proxies[name]
		if err := validate.Struct(p); err != nil {
			return fmt.Errorf("proxies.%s: %w", name, err)
		}

		endpoint := net.JoinHostPort(p.ListenAddress, strconv.Itoa(p.ListenPort))
		if prev, dup := seen[endpoint]; dup {
			return fmt.Errorf("duplicate listen endpoint %s for proxies %q and %q", endpoint, prev, name)
		}
		seen[endpoint] = name
	}
	return nil
}
