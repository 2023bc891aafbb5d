//go:build linux

package instance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/sandboxshim/internal/container"
	"github.com/buildkite/sandboxshim/internal/engine"
	"github.com/buildkite/sandboxshim/internal/oneshot"
	"github.com/buildkite/sandboxshim/internal/paths"
	"github.com/buildkite/sandboxshim/internal/pidfd"
	"github.com/buildkite/sandboxshim/internal/zygote"
	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

// FailureCode is published when the workload's real status is unknown.
const FailureCode uint32 = 137

type Exit struct {
	Code uint32    `json:"code"`
	At   time.Time `json:"at"`
}

type State int

const (
	Built State = iota
	Running
	Exited
)

func (s State) String() string {
	switch s {
	case Built:
		return "built"
	case Running:
		return "running"
	case Exited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Options struct {
	Engine engine.Engine
	// Executor performs container construction. Normally the global zygote.
	Executor zygote.Executor
	Loader   ModuleLoader
	Logger   *log.Logger
	// RootBase defaults to paths.ContainerRoot(engine name).
	RootBase string
}

// Instance is one container managed by the shim.
type Instance struct {
	id     string
	logger *log.Logger
	exit   *oneshot.Cell[Exit]

	mu        sync.Mutex
	container *container.Container
	started   bool
}

// New loads the workload modules and builds the container through the
// executor. The container process exists afterwards but does not run the
// workload until Start.
func New(ctx context.Context, id string, cfg Config, opts Options) (*Instance, error) {
	if strings.TrimSpace(id) == "" {
		return nil, InvalidArgument("instance id is required")
	}
	if opts.Engine == nil {
		return nil, InvalidArgument("engine is required")
	}
	if opts.Executor == nil {
		return nil, InvalidArgument("executor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.With("instance", id)

	var (
		modules  []engine.Module
		platform engine.Platform
	)
	if opts.Loader != nil {
		var err error
		modules, platform, err = opts.Loader.LoadModules(ctx, cfg.Bundle, engine.SupportedLayerTypes(opts.Engine))
		if err != nil {
			logger.Warn("error obtaining wasm layers, will attempt to use files inside container image", "error", err)
			modules, platform = nil, engine.Platform{}
		}
	}

	base := opts.RootBase
	if base == "" {
		base = paths.ContainerRoot(opts.Engine.Name())
	}
	rootDir, err := container.DetermineRootDir(cfg.Bundle, cfg.namespace(), base)
	if err != nil {
		return nil, fmt.Errorf("determine container root: %w", err)
	}

	var res container.BuildResult
	err = opts.Executor.Call(ctx, container.BuildOp, container.BuildRequest{
		ID:       id,
		Bundle:   cfg.Bundle,
		RootDir:  rootDir,
		Engine:   opts.Engine.Name(),
		Modules:  modules,
		Platform: platform,
		Stdin:    cfg.Stdin,
		Stdout:   cfg.Stdout,
		Stderr:   cfg.Stderr,
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("build container %s: %w", id, err)
	}

	logger.Debug("container built", "root", res.Root, "pid", res.State.Pid, "modules", len(modules))
	return &Instance{
		id:        id,
		logger:    logger,
		exit:      oneshot.New[Exit](),
		container: container.Load(res.Root, res.State),
	}, nil
}

func (i *Instance) ID() string {
	return i.id
}

func (i *Instance) State() State {
	if _, ok := i.exit.Get(); ok {
		return Exited
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.started {
		return Running
	}
	return Built
}

// Start releases the workload and returns its pid. An exit record is
// guaranteed once Start has been called, even when it fails.
func (i *Instance) Start() (uint32, error) {
	i.logger.Info("starting instance")

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.started {
		return 0, FailedPrecondition("instance %s already started", i.id)
	}
	i.started = true

	guard := i.exit.SetGuardWith(func() Exit {
		return Exit{Code: FailureCode, At: time.Now().UTC()}
	})
	handedOff := false
	defer func() {
		if !handedOff {
			guard.Release()
		}
	}()

	pid, err := i.container.Pid()
	if err != nil {
		return 0, fmt.Errorf("failed to get pid: %w", err)
	}
	fd, err := pidfd.Open(pid)
	if err != nil {
		return 0, err
	}
	if err := i.container.Start(); err != nil {
		_ = fd.Close()
		return 0, fmt.Errorf("start container %s: %w", i.id, err)
	}

	handedOff = true
	go i.watch(fd, guard)
	return uint32(pid), nil
}

func (i *Instance) watch(fd *pidfd.PidFD, guard *oneshot.Guard[Exit]) {
	defer guard.Release()
	defer fd.Close()

	code := FailureCode
	outcome, err := fd.Wait(context.Background())
	switch {
	case err != nil:
		i.logger.Error("waitpid failed", "pid", fd.Pid(), "error", err)
	case outcome.Kind == pidfd.Other:
		i.logger.Error("waitpid unexpected result", "pid", fd.Pid(), "outcome", outcome)
	default:
		code = outcome.ExitCode()
	}
	i.logger.Debug("instance exited", "code", code)
	_ = i.exit.Set(Exit{Code: code, At: time.Now().UTC()})
}

// ParseSignal validates a raw signal number.
func ParseSignal(signal uint32) (unix.Signal, error) {
	sig := unix.Signal(signal)
	if signal == 0 || signal > 64 || unix.SignalName(sig) == "" {
		return 0, InvalidArgument("invalid signal number: %d", signal)
	}
	return sig, nil
}

// Kill delivers signal to every process in the container.
func (i *Instance) Kill(signal uint32) error {
	i.logger.Info("sending signal", "signal", signal)
	sig, err := ParseSignal(signal)
	if err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	return i.container.Kill(sig, true)
}

// Delete force-removes the container. The exit record is unaffected.
func (i *Instance) Delete() error {
	i.logger.Info("deleting instance")

	i.mu.Lock()
	defer i.mu.Unlock()
	return i.container.Delete(true)
}

// WaitTimeout blocks until the instance exits or timeout elapses. A negative
// timeout waits forever.
func (i *Instance) WaitTimeout(timeout time.Duration) (Exit, bool) {
	return i.exit.WaitTimeout(timeout)
}

func (i *Instance) Wait() Exit {
	return i.exit.Wait()
}

func (i *Instance) WaitContext(ctx context.Context) (Exit, error) {
	return i.exit.WaitContext(ctx)
}

// Done is closed once the exit record is published.
func (i *Instance) Done() <-chan struct{} {
	return i.exit.Done()
}
