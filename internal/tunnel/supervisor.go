package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	startupProbeAttempts = 20
	startupProbeInterval = 500 * time.Millisecond
	probeDialTimeout     = 250 * time.Millisecond

	// stopGracePeriod bounds how long a canceled child may linger after
	// SIGTERM before it is force-killed.
	stopGracePeriod = 5 * time.Second
)

// Config describes one supervised dynamic-forward tunnel.
type Config struct {
	// User, Host and Port identify the SSH server and login.
	User string
	Host string
	Port int

	// BindAddress and BindPort are the local SOCKS endpoint the child
	// exposes via -D. BindAddress defaults to 127.0.0.1.
	BindAddress string
	BindPort    int

	// Command is the ssh binary to run. Defaults to "ssh".
	Command string

	// Logger receives supervision events. Nil means slog.Default.
	Logger *slog.Logger
}

func (c Config) bindAddr() string {
	addr := c.BindAddress
	if addr == "" {
		addr = "127.0.0.1"
	}
	return net.JoinHostPort(addr, strconv.Itoa(c.BindPort))
}

func (c Config) command() string {
	if c.Command != "" {
		return c.Command
	}
	return "ssh"
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Supervisor runs and monitors one external ssh process.
//
// Start spawns the child and probes the local bind port; Watch then blocks
// until the child dies or ctx is canceled. The child's lifetime is bounded
// by the context: cancellation sends SIGTERM and escalates to SIGKILL after
// stopGracePeriod.
type Supervisor struct {
	cfg Config
	log *slog.Logger

	cmd    *exec.Cmd
	stderr bytes.Buffer
	waitCh chan error
}

func New(cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg, log: cfg.logger()}
}

// Args returns the ssh invocation for this tunnel.
func (s *Supervisor) Args() []string {
	return []string{
		"-D", s.cfg.bindAddr(),
		"-N", "-T",
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=10",
		"-o", "ServerAliveInterval=60",
		"-o", "ServerAliveCountMax=3",
		fmt.Sprintf("%s@%s", s.cfg.User, s.cfg.Host),
		"-p", strconv.Itoa(s.cfg.Port),
	}
}

// Start launches the child and probes the bind port until the tunnel
// answers, the child exits, or the probe budget runs out.
//
// An early child exit is classified from its stderr and returned as a
// *StartError. An exhausted probe budget is logged as a warning but not
// treated as fatal; the tunnel may still be negotiating.
func (s *Supervisor) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.cfg.command(), s.Args()...)
	cmd.Stderr = &s.stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(gracefulStopSignal)
	}
	cmd.WaitDelay = stopGracePeriod

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.cfg.command(), err)
	}
	s.cmd = cmd
	s.waitCh = make(chan error, 1)
	go func() {
		s.waitCh <- cmd.Wait()
	}()

	s.log.Info("ssh tunnel starting",
		"host", s.cfg.Host, "port", s.cfg.Port, "bind", s.cfg.bindAddr(), "pid", cmd.Process.Pid)

	bind := s.cfg.bindAddr()
	for i := 0; i < startupProbeAttempts; i++ {
		select {
		case werr := <-s.waitCh:
			return s.startError(werr)
		default:
		}

		c, err := net.DialTimeout("tcp", bind, probeDialTimeout)
		if err == nil {
			_ = c.Close()
			s.log.Info("ssh tunnel established", "bind", bind)
			return nil
		}

		select {
		case werr := <-s.waitCh:
			return s.startError(werr)
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(startupProbeInterval):
		}
	}

	s.log.Warn("ssh tunnel did not answer within probe budget, continuing", "bind", bind)
	return nil
}

// Watch blocks until the child exits or ctx is canceled.
//
// An exit while ctx is live is fatal to the owning instance and returned as
// a *RuntimeError. On cancellation the child is terminated gracefully
// (SIGTERM, then SIGKILL after stopGracePeriod) and ctx.Err() is returned.
func (s *Supervisor) Watch(ctx context.Context) error {
	select {
	case werr := <-s.waitCh:
		if ctx.Err() != nil {
			s.log.Info("ssh tunnel stopped", "bind", s.cfg.bindAddr())
			return ctx.Err()
		}
		stderr := strings.TrimSpace(s.stderr.String())
		s.log.Error("ssh tunnel exited", "err", werr, "stderr", firstLine(stderr))
		return &RuntimeError{Stderr: stderr, Err: werr}
	case <-ctx.Done():
		// CommandContext delivers the graceful stop; wait for the reap.
		<-s.waitCh
		s.log.Info("ssh tunnel stopped", "bind", s.cfg.bindAddr())
		return ctx.Err()
	}
}

func (s *Supervisor) startError(werr error) error {
	stderr := strings.TrimSpace(s.stderr.String())
	kind := classify(stderr)
	s.log.Error("ssh tunnel failed to start",
		"kind", kind.String(), "err", werr, "stderr", firstLine(stderr))
	return &StartError{Kind: kind, Stderr: stderr, Err: werr}
}
