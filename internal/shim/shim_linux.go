//go:build linux

package shim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/buildkite/sandboxshim/internal/cli"
	"github.com/buildkite/sandboxshim/internal/container"
	"github.com/buildkite/sandboxshim/internal/endpoint"
	"github.com/buildkite/sandboxshim/internal/engine"
	"github.com/buildkite/sandboxshim/internal/instance"
	"github.com/buildkite/sandboxshim/internal/modules"
	"github.com/buildkite/sandboxshim/internal/paths"
	"github.com/buildkite/sandboxshim/internal/runtimeconfig"
	"github.com/buildkite/sandboxshim/internal/zygote"
	"github.com/charmbracelet/log"
)

var (
	containerRootBase = paths.ContainerRoot
	managerEndpoint   = endpoint.Manager

	notifySignals = func(ch chan os.Signal, sig ...os.Signal) {
		signal.Notify(ch, sig...)
	}
	stopSignals = func(ch chan os.Signal) {
		signal.Stop(ch)
	}
)

// Main runs a shim binary for eng and exits. Re-executed helper processes
// (the zygote and container init) are diverted before any role runs.
func Main(eng engine.Engine, info BuildInfo) {
	if zygote.Init() {
		return
	}
	if container.Init(eng) {
		return
	}
	os.Exit(Run(context.Background(), os.Args, eng, info, os.Stdout, os.Stderr))
}

type shimRuntime struct {
	name   string
	engine engine.Engine
	info   BuildInfo
	config runtimeconfig.Config
	logger *log.Logger
	stderr io.Writer
}

// Run dispatches on args[0] and returns the process exit code.
func Run(ctx context.Context, args []string, eng engine.Engine, info BuildInfo, stdout, stderr io.Writer) int {
	name := strings.ToLower(eng.Name())
	argv0 := name
	if len(args) > 0 {
		argv0 = args[0]
		args = args[1:]
	}

	if cli.WantsVersion(args) {
		WriteVersion(stdout, argv0, eng.Name(), info)
		return 0
	}

	role, err := ResolveRole(argv0, name)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return cli.FailureCode
	}

	cfg, cfgPath, err := runtimeconfig.Load(name)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return cli.FailureCode
	}

	var flags cli.ShimFlags
	if role != RoleDaemon {
		flags, err = cli.Parse(argv0, args)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return cli.FailureCode
		}
	}

	logger, err := cli.NewLogger(stderr, cli.LogLevel(flags, cfg.LogLevel), role.String())
	if err != nil {
		fmt.Fprintln(stderr, err)
		return cli.FailureCode
	}
	logger.Debug("runtime config loaded", "path", cfgPath)

	rt := &shimRuntime{name: name, engine: eng, info: info, config: cfg, logger: logger, stderr: stderr}
	switch role {
	case RoleInstance:
		return cli.ExitCode(rt.runInstance(ctx, flags))
	case RoleClient:
		return cli.ExitCode(rt.runClient(ctx, flags))
	default:
		return cli.ExitCode(rt.runDaemon(ctx))
	}
}

func (rt *shimRuntime) executor() zygote.Executor {
	z, err := zygote.Global(zygote.Options{
		UnshareMounts: rt.config.Zygote.Unshare(),
		Logger:        rt.logger.With("subsystem", "zygote"),
	})
	if err != nil {
		rt.logger.Warn("zygote unavailable, building containers in-process", "error", err)
		return zygote.InProcess{}
	}
	return z
}

// moduleLoader returns nil when module fetching is disabled or its cache
// cannot be opened; instances then rely on files in the rootfs.
func (rt *shimRuntime) moduleLoader(ctx context.Context) (instance.ModuleLoader, func()) {
	if rt.config.Modules.Disabled {
		return nil, func() {}
	}
	loader, err := modules.New(ctx, modules.Options{
		CacheDir:           rt.config.Modules.CacheDir,
		MetadataDBPath:     rt.config.Modules.MetadataDB,
		InsecureRegistries: rt.config.Modules.InsecureRegistries,
		FetchTimeout:       rt.config.Modules.FetchTimeout(),
		Logger:             rt.logger,
	})
	if err != nil {
		rt.logger.Warn("module cache unavailable", "error", err)
		return nil, func() {}
	}
	return loader, func() { _ = loader.Close() }
}

func (rt *shimRuntime) instanceConfig(flags cli.ShimFlags) (instance.Config, error) {
	if strings.TrimSpace(flags.ID) == "" {
		return instance.Config{}, instance.InvalidArgument("--id is required")
	}
	bundle := flags.Bundle
	if bundle == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return instance.Config{}, err
		}
		bundle = cwd
	}
	// containerd passes its own socket as a unix:// URL or a bare path.
	address := ""
	if strings.TrimSpace(flags.Address) != "" {
		ep, err := endpoint.Resolve(flags.Address, endpoint.Endpoint{})
		if err != nil {
			return instance.Config{}, instance.InvalidArgument("--address: %v", err)
		}
		address = ep.Address
	}
	return instance.Config{
		Namespace:         flags.Namespace,
		ContainerdAddress: address,
		Bundle:            bundle,
		Stdin:             flags.Stdin,
		Stdout:            flags.Stdout,
		Stderr:            flags.Stderr,
	}, nil
}

// waitTimeout is negative when the shim should wait forever.
func (rt *shimRuntime) waitTimeout(flags cli.ShimFlags) time.Duration {
	if flags.Timeout != 0 {
		return flags.Timeout
	}
	return rt.config.Wait.DefaultTimeout()
}

// forwardSignals delivers SIGINT and SIGTERM to kill until the returned stop
// function is called.
func (rt *shimRuntime) forwardSignals(kill func(uint32) error) func() {
	ch := make(chan os.Signal, 2)
	notifySignals(ch, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				if s, ok := sig.(syscall.Signal); ok {
					rt.logger.Info("forwarding signal", "signal", s)
					if err := kill(uint32(s)); err != nil {
						rt.logger.Warn("forward signal", "signal", s, "error", err)
					}
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		stopSignals(ch)
		close(done)
	}
}

func (rt *shimRuntime) runInstance(ctx context.Context, flags cli.ShimFlags) error {
	cfg, err := rt.instanceConfig(flags)
	if err != nil {
		rt.logger.Error("invalid invocation", "error", err)
		return err
	}
	if flags.Action == cli.ActionDelete {
		return rt.deleteLeftover(flags.ID, cfg)
	}

	loader, closeLoader := rt.moduleLoader(ctx)
	defer closeLoader()

	inst, err := instance.New(ctx, flags.ID, cfg, instance.Options{
		Engine:   rt.engine,
		Executor: rt.executor(),
		Loader:   loader,
		Logger:   rt.logger,
		RootBase: containerRootBase(rt.name),
	})
	if err != nil {
		rt.logger.Error("create instance", "error", err)
		return err
	}

	stop := rt.forwardSignals(inst.Kill)
	defer stop()

	if _, err := inst.Start(); err != nil {
		// The exit record is still published, so the wait below returns.
		rt.logger.Error("start instance", "error", err)
	}

	exit, ok := inst.WaitTimeout(rt.waitTimeout(flags))
	if !ok {
		rt.logger.Warn("workload did not exit in time, killing it")
		if err := inst.Kill(uint32(syscall.SIGKILL)); err != nil {
			rt.logger.Warn("kill workload", "error", err)
		}
		exit = inst.Wait()
	}
	if err := inst.Delete(); err != nil {
		rt.logger.Warn("delete instance", "error", err)
	}
	rt.logger.Info("instance exited", "code", exit.Code)
	if exit.Code == 0 {
		return nil
	}
	return cli.WithExitCode(int(exit.Code))
}

// deleteLeftover removes the on-disk state of an instance whose shim is gone.
func (rt *shimRuntime) deleteLeftover(id string, cfg instance.Config) error {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = instance.DefaultNamespace
	}
	rootDir, err := container.DetermineRootDir(cfg.Bundle, namespace, containerRootBase(rt.name))
	if err != nil {
		rt.logger.Error("determine container root", "error", err)
		return err
	}
	c, err := container.Open(rootDir, id)
	if errors.Is(err, instance.ErrNotFound) {
		rt.logger.Debug("nothing to delete", "instance", id)
		return nil
	}
	if err != nil {
		rt.logger.Error("open container", "error", err)
		return err
	}
	if err := c.Delete(true); err != nil {
		rt.logger.Error("delete container", "error", err)
		return err
	}
	rt.logger.Info("deleted instance", "instance", id)
	return nil
}
