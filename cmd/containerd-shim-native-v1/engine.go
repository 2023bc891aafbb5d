//go:build linux

package main

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/buildkite/sandboxshim/internal/completion"
	"github.com/buildkite/sandboxshim/internal/engine"
)

// nativeEngine executes the process args directly, resolving absolute
// paths against the rootfs first.
type nativeEngine struct{}

func (nativeEngine) Name() string { return "native" }

func (nativeEngine) CanHandle(_ context.Context, rc *engine.RuntimeContext) completion.Verdict {
	if len(rc.Args) == 0 {
		return completion.Checked{Err: engine.ErrNoEntrypoint}
	}
	return completion.Accept(true)
}

func (nativeEngine) Run(ctx context.Context, rc *engine.RuntimeContext, stdio engine.Stdio) completion.Value {
	if len(rc.Args) == 0 {
		return completion.Err(engine.ErrNoEntrypoint)
	}

	cmd := exec.CommandContext(ctx, resolveArg0(rc), rc.Args[1:]...)
	cmd.Args[0] = rc.Args[0]
	cmd.Env = rc.Env
	cmd.Dir = workingDir(rc)
	cmd.Stdin = stdio.Stdin
	cmd.Stdout = stdio.Stdout
	cmd.Stderr = stdio.Stderr
	return completion.FromExit(exitStatus(cmd.Run()))
}

func resolveArg0(rc *engine.RuntimeContext) string {
	arg0 := rc.Args[0]
	if rc.RootFS != "" && filepath.IsAbs(arg0) {
		candidate := filepath.Join(rc.RootFS, arg0)
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate
		}
	}
	return arg0
}

func workingDir(rc *engine.RuntimeContext) string {
	if rc.Cwd != "" && rc.RootFS != "" {
		dir := filepath.Join(rc.RootFS, rc.Cwd)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return rc.RootFS
}

// exitStatus maps a finished child to a shell-style exit code.
func exitStatus(err error) (int, error) {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 0, err
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal()), nil
	}
	return exitErr.ExitCode(), nil
}
