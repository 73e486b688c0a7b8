package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/sproxy2/sproxy2/internal/tunnel"
)

// State is the lifecycle state of one proxy instance.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a point-in-time snapshot of an instance, safe to hand to the
// control surface.
type Status struct {
	Name   string    `json:"name"`
	RunID  string    `json:"run_id,omitempty"`
	Type   ProxyType `json:"type"`
	State  string    `json:"state"`
	Reason string    `json:"reason,omitempty"`
}

// runner is the closed set of proxy kinds an instance can bind to.
//
// Bind acquires the instance's resources (local listener or tunnel child
// process) and returns once the instance can accept work. Serve blocks
// until ctx is canceled or a fatal error occurs.
type runner interface {
	Bind(ctx context.Context) error
	Serve(ctx context.Context) error
}

// Instance binds one ProxyConfig to a running proxy of the matching kind.
//
// Lifecycle: Stopped -> Starting -> Running -> Stopping -> Stopped, with
// Failed reachable from Running when the run loop dies. A failure inside
// one instance never propagates past it; it is logged and recorded as the
// Failed state.
type Instance struct {
	name string
	pcfg ProxyConfig
	cfg  Config
	log  *slog.Logger

	mu       sync.Mutex
	state    State
	reason   string
	runID    string
	cancel   context.CancelFunc
	done     chan struct{}
	launched chan struct{}
}

// NewInstance constructs a stopped instance for the given config.
func NewInstance(name string, pcfg ProxyConfig, cfg Config) *Instance {
	return &Instance{
		name: name,
		pcfg: pcfg,
		cfg:  cfg,
		log:  cfg.logger().With("proxy", name),
	}
}

func (in *Instance) Name() string { return in.name }

// State returns the current lifecycle state.
func (in *Instance) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Status returns a snapshot for status reporting.
func (in *Instance) Status() Status {
	in.mu.Lock()
	defer in.mu.Unlock()
	return Status{
		Name:   in.name,
		RunID:  in.runID,
		Type:   in.pcfg.Type,
		State:  in.state.String(),
		Reason: in.reason,
	}
}

// Start brings the instance up. It is a no-op when the instance is already
// starting or running. The returned error is a startup error (bad listen
// address, port in use, tunnel start failure); the run loop itself reports
// later failures through the Failed state, never through Start.
//
// The run loop's lifetime is bounded by ctx: canceling it stops the
// instance as if Stop had been called, except the state is not advanced.
func (in *Instance) Start(ctx context.Context) error {
	if !in.claim() {
		return nil
	}
	return in.launch(ctx)
}

// claim transitions Stopped/Failed to Starting. It returns false when the
// instance is already starting, running, or in the middle of stopping.
func (in *Instance) claim() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	switch in.state {
	case StateStarting, StateRunning, StateStopping:
		return false
	}
	in.state = StateStarting
	in.reason = ""
	in.launched = make(chan struct{})
	return true
}

// launch binds the runner and spawns the supervised run loop. The caller
// must have claimed the instance.
func (in *Instance) launch(ctx context.Context) error {
	return in.launchRunner(ctx, in.newRunner())
}

func (in *Instance) launchRunner(ctx context.Context, run runner) error {
	runCtx, cancel := context.WithCancel(ctx)

	if err := run.Bind(runCtx); err != nil {
		cancel()
		in.mu.Lock()
		in.state = StateStopped
		close(in.launched)
		in.mu.Unlock()
		in.log.Error("start failed", "err", err)
		return err
	}

	done := make(chan struct{})
	in.mu.Lock()
	in.state = StateRunning
	in.runID = uuid.NewString()
	in.cancel = cancel
	in.done = done
	close(in.launched)
	in.mu.Unlock()

	in.log.Info("started", "type", string(in.pcfg.Type), "tunneled", in.pcfg.Tunneled())

	go in.supervise(runCtx, run, done)
	return nil
}

// supervise runs the instance's run loop and translates its outcome into a
// state transition. Panics and errors are contained here so one instance's
// crash cannot take down the registry or its siblings.
func (in *Instance) supervise(ctx context.Context, run runner, done chan struct{}) {
	defer close(done)

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("run loop panic: %v", p)
			}
		}()
		return run.Serve(ctx)
	}()

	if ctx.Err() != nil {
		// Cooperative stop; Stop (or the parent context) owns the
		// state transition.
		return
	}
	if err == nil {
		err = errors.New("run loop exited unexpectedly")
	}
	in.fail(err)
}

func (in *Instance) fail(err error) {
	in.mu.Lock()
	if in.state != StateRunning {
		in.mu.Unlock()
		return
	}
	in.state = StateFailed
	in.reason = err.Error()
	// Release the run context so repeated fail/restart cycles do not pile
	// up child contexts on the registry's long-lived context.
	in.cancel()
	in.mu.Unlock()

	in.cfg.Metrics.instanceFailed()
	in.log.Error("failed", "err", err)
}

// Stop brings the instance down and waits for its run loop to finish. It
// is a no-op when the instance is not running. A start in flight settles
// before Stop decides anything, so a stop racing a start can never leave a
// running instance behind.
func (in *Instance) Stop() error {
	in.mu.Lock()
	for in.state == StateStarting {
		launched := in.launched
		in.mu.Unlock()
		<-launched
		in.mu.Lock()
	}
	if in.state != StateRunning {
		in.mu.Unlock()
		return nil
	}
	in.state = StateStopping
	cancel, done := in.cancel, in.done
	in.mu.Unlock()

	cancel()
	<-done

	in.mu.Lock()
	in.state = StateStopped
	in.runID = ""
	in.mu.Unlock()

	in.log.Info("stopped")
	return nil
}

// newRunner selects the concrete proxy kind for this instance's config.
func (in *Instance) newRunner() runner {
	cfg := in.cfg
	cfg.Logger = in.log

	switch {
	case in.pcfg.Tunneled():
		return &tunnelRunner{sup: tunnel.New(tunnel.Config{
			User:     in.pcfg.SSHUsername,
			Host:     in.pcfg.ListenAddress,
			Port:     in.pcfg.ListenPort,
			BindPort: in.pcfg.BindPort,
			Logger:   in.log,
		})}
	case in.pcfg.Type == TypeHTTP:
		srv := NewHTTPProxyServer(cfg)
		return &listenerRunner{addr: in.pcfg.ListenAddr(), keepAlive: cfg.KeepAlive, serve: srv.Serve}
	default:
		srv := NewSOCKS5Server(cfg)
		return &listenerRunner{addr: in.pcfg.ListenAddr(), keepAlive: cfg.KeepAlive, serve: srv.Serve}
	}
}

// listenerRunner runs a per-connection handler behind a local listener.
type listenerRunner struct {
	addr      string
	keepAlive net.KeepAliveConfig
	serve     func(ctx context.Context, ln net.Listener) error

	ln net.Listener
}

func (r *listenerRunner) Bind(ctx context.Context) error {
	ln, err := ListenTCP(ctx, "tcp", r.addr, r.keepAlive)
	if err != nil {
		return err
	}
	r.ln = ln
	return nil
}

func (r *listenerRunner) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = r.ln.Close()
	})
	defer stop()
	defer r.ln.Close()

	return r.serve(ctx, r.ln)
}

// tunnelRunner delegates the instance's lifetime to an SSH tunnel
// supervisor.
type tunnelRunner struct {
	sup *tunnel.Supervisor
}

func (r *tunnelRunner) Bind(ctx context.Context) error  { return r.sup.Start(ctx) }
func (r *tunnelRunner) Serve(ctx context.Context) error { return r.sup.Watch(ctx) }
