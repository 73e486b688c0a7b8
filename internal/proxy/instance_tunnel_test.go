//go:build !windows

package proxy

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeSSHOnPath installs a shell script named ssh at the front of PATH so
// tunnel instances run it instead of the real client. The returned path can
// be rewritten to change the script between runs.
func fakeSSHOnPath(t *testing.T, script string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "ssh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return path
}

func tunnelProxyConfig(bindPort int) ProxyConfig {
	return ProxyConfig{
		ListenAddress: "bastion.example.com",
		ListenPort:    22,
		BindPort:      bindPort,
		Type:          TypeSOCKS5,
		SSHUsername:   "alice",
	}
}

// TestInstanceTunnelFailure drives a tunnel instance through the full
// failure transition: running, the ssh child dies, the instance lands in
// the failed state with the disconnect reason, and a later start recovers
// it.
func TestInstanceTunnelFailure(t *testing.T) {
	// Stand-in for the tunnel's local SOCKS endpoint so the startup probe
	// succeeds.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	port := ln.Addr().(*net.TCPAddr).Port

	script := fakeSSHOnPath(t, `sleep 1; echo "client_loop: send disconnect: Broken pipe" >&2; exit 1`)

	in := NewInstance("bastion", tunnelProxyConfig(port), Config{})
	if err := in.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := in.State(); got != StateRunning {
		t.Fatalf("state after start = %v, want running", got)
	}

	waitForState(t, in, StateFailed)

	st := in.Status()
	if st.Reason == "" {
		t.Fatal("failed tunnel must carry a reason")
	}
	if !strings.Contains(st.Reason, "disconnected") {
		t.Fatalf("reason = %q, want a disconnect explanation", st.Reason)
	}

	// A failed tunnel starts again once the child behaves.
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := in.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := in.State(); got != StateRunning {
		t.Fatalf("state after restart = %v, want running", got)
	}

	if err := in.Stop(); err != nil {
		t.Fatal(err)
	}
	if got := in.State(); got != StateStopped {
		t.Fatalf("state after stop = %v, want stopped", got)
	}
}
