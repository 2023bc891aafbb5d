//go:build linux

package shim

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/buildkite/sandboxshim/internal/cli"
	"github.com/buildkite/sandboxshim/internal/manager"
	"github.com/buildkite/sandboxshim/internal/modules"
	"github.com/containerd/errdefs"
)

// runClient drives one instance through the manager daemon.
func (rt *shimRuntime) runClient(ctx context.Context, flags cli.ShimFlags) error {
	cfg, err := rt.instanceConfig(flags)
	if err != nil {
		rt.logger.Error("invalid invocation", "error", err)
		return err
	}
	if abs, err := filepath.Abs(cfg.Bundle); err == nil {
		cfg.Bundle = abs
	}

	ep := managerEndpoint(rt.name)
	client, err := manager.NewClient(ep)
	if err != nil {
		rt.logger.Error("connect to manager", "endpoint", ep.Address, "error", err)
		return err
	}

	if flags.Action == cli.ActionDelete {
		_, err := client.DeleteInstance(ctx, &manager.DeleteInstanceRequest{ID: flags.ID})
		if errors.Is(err, errdefs.ErrNotFound) {
			return nil
		}
		if err != nil {
			rt.logger.Error("delete instance", "instance", flags.ID, "error", err)
		}
		return err
	}

	created, err := client.CreateInstance(ctx, &manager.CreateInstanceRequest{ID: flags.ID, Config: cfg})
	if err != nil {
		rt.logger.Error("create instance", "instance", flags.ID, "error", err)
		return err
	}
	id := created.ID
	logger := rt.logger.With("instance", id)

	stop := rt.forwardSignals(func(sig uint32) error {
		_, err := client.KillInstance(ctx, &manager.KillInstanceRequest{ID: id, Signal: sig})
		return err
	})
	defer stop()

	started, err := client.StartInstance(ctx, &manager.StartInstanceRequest{ID: id})
	if err != nil {
		logger.Error("start instance", "error", err)
	} else {
		logger.Debug("instance started", "pid", started.Pid)
	}

	waited, err := client.WaitInstance(ctx, &manager.WaitInstanceRequest{ID: id, TimeoutMillis: timeoutMillis(rt.waitTimeout(flags))})
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("workload did not exit in time, killing it")
		if _, err := client.KillInstance(ctx, &manager.KillInstanceRequest{ID: id, Signal: uint32(syscall.SIGKILL)}); err != nil {
			logger.Warn("kill workload", "error", err)
		}
		waited, err = client.WaitInstance(ctx, &manager.WaitInstanceRequest{ID: id, TimeoutMillis: -1})
	}
	if err != nil {
		logger.Error("wait for instance", "error", err)
		return err
	}

	if _, err := client.DeleteInstance(ctx, &manager.DeleteInstanceRequest{ID: id}); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
		logger.Warn("delete instance", "error", err)
	}
	logger.Info("instance exited", "code", waited.ExitCode)
	if waited.ExitCode == 0 {
		return nil
	}
	return cli.WithExitCode(int(waited.ExitCode))
}

func timeoutMillis(d time.Duration) int64 {
	if d < 0 {
		return -1
	}
	return d.Milliseconds()
}

// runDaemon serves the manager API until SIGINT or SIGTERM.
func (rt *shimRuntime) runDaemon(ctx context.Context) error {
	rt.logger.Info("starting up!")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	loader, closeLoader := rt.moduleLoader(ctx)
	defer closeLoader()
	if cache, ok := loader.(*modules.Loader); ok {
		if records, err := cache.List(ctx); err != nil {
			rt.logger.Warn("list cached modules", "error", err)
		} else {
			rt.logger.Info("module cache ready", "modules", len(records))
		}
	}

	service := &manager.Service{
		Engine:   rt.engine,
		Executor: rt.executor(),
		Loader:   loader,
		Logger:   rt.logger,
		RootBase: containerRootBase(rt.name),
	}

	ep := managerEndpoint(rt.name)
	if f, ok := rt.stderr.(*os.File); ok {
		_ = cli.WriteStartupHeader(f, cli.StartupHeader{
			Title: rt.name + " manager",
			Fields: []cli.StartupField{
				{Key: "version", Value: rt.info.Version},
				{Key: "revision", Value: rt.info.Revision},
				{Key: "socket", Value: ep.Address},
			},
		})
	}

	err := manager.Serve(ctx, ep, manager.NewServer(service, rt.logger).Handler(), rt.logger, func() {
		rt.logger.Info("server started!")
	})
	if err != nil {
		rt.logger.Error("manager stopped", "error", err)
		return err
	}
	rt.logger.Info("shutting down")
	return nil
}
