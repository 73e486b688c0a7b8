package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Load reads and validates the config file at path.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var f File
	if err := toml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if f.Proxies == nil {
		f.Proxies = make(map[string]Proxy)
	}

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &f, nil
}

// Save writes the config with stable, sorted table ordering so saves diff
// cleanly.
func Save(path string, f *File) error {
	var sb strings.Builder
	sb.WriteString("# sproxy2 configuration\n# Generated automatically\n\n")

	for _, name := range f.Names() {
		fmt.Fprintf(&sb, "[proxies.%s]\n", tomlKey(name))

		body, err := toml.Marshal(f.Proxies[name])
		if err != nil {
			return fmt.Errorf("encode proxies.%s: %w", name, err)
		}
		sb.Write(body)
		sb.WriteString("\n")
	}

	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// WriteDefault creates a starter config with one example proxy.
func WriteDefault(path string) error {
	return Save(path, &File{
		Proxies: map[string]Proxy{
			"example": {
				ListenAddress: "127.0.0.1",
				ListenPort:    1080,
				BindPort:      10800,
				ProxyType:     "socks5",
			},
		},
	})
}

// tomlKey quotes a table key when it is not a bare TOML key.
func tomlKey(name string) string {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Sprintf("%q", name)
		}
	}
	if name == "" {
		return `""`
	}
	return name
}
