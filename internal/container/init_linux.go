//go:build linux

package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/buildkite/sandboxshim/internal/completion"
	"github.com/buildkite/sandboxshim/internal/engine"
	"github.com/charmbracelet/log"
)

// Init turns the current process into a container init process when it was
// spawned by Build, and never returns in that case. Otherwise it returns
// false.
func Init(engines ...engine.Engine) bool {
	root := os.Getenv(envInit)
	if root == "" {
		return false
	}
	_ = os.Unsetenv(envInit)

	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     log.WarnLevel,
		Formatter: log.LogfmtFormatter,
		Prefix:    "sandboxshim-init",
	})
	os.Exit(runInit(context.Background(), root, engines, logger))
	return true
}

func runInit(ctx context.Context, root string, engines []engine.Engine, logger *log.Logger) int {
	var cfg initConfig
	if err := readCBOR(filepath.Join(root, initFileName), &cfg); err != nil {
		logger.Error("read init config", "error", err)
		return int(completion.FailureCode)
	}

	if err := waitForStart(filepath.Join(root, execFifoFileName)); err != nil {
		logger.Error("wait for start", "error", err)
		return int(completion.FailureCode)
	}

	rc := cfg.Runtime
	if dir := workingDir(rc); dir != "" {
		_ = os.Chdir(dir)
	}

	if eng := findEngine(engines, cfg.Engine); eng != nil {
		err := engine.CanHandle(ctx, eng, &rc)
		if err == nil {
			return int(completion.Resolve(ctx, eng.Run(ctx, &rc, engine.OSStdio()), logger))
		}
		logger.Debug("engine declined workload, running natively", "engine", eng.Name(), "reason", err)
	}

	err := execNative(rc)
	logger.Error("exec workload", "args", rc.Args, "error", err)
	return int(completion.FailureCode)
}

// waitForStart blocks until Start opens the exec fifo for writing.
func waitForStart(fifo string) error {
	f, err := os.OpenFile(fifo, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open exec fifo: %w", err)
	}
	defer f.Close()
	buf := make([]byte, 1)
	if _, err := io.ReadFull(f, buf); err != nil {
		return fmt.Errorf("read exec fifo: %w", err)
	}
	return nil
}

func findEngine(engines []engine.Engine, name string) engine.Engine {
	for _, eng := range engines {
		if eng != nil && eng.Name() == name {
			return eng
		}
	}
	return nil
}

// workingDir prefers the spec cwd inside the rootfs and falls back to the
// rootfs itself.
func workingDir(rc engine.RuntimeContext) string {
	candidates := []string{}
	if rc.Cwd != "" && rc.RootFS != "" {
		candidates = append(candidates, filepath.Join(rc.RootFS, rc.Cwd))
	}
	if rc.RootFS != "" {
		candidates = append(candidates, rc.RootFS)
	}
	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}

// execNative replaces the process with the workload's own args. It only
// returns on failure.
func execNative(rc engine.RuntimeContext) error {
	if len(rc.Args) == 0 {
		return engine.ErrNoEntrypoint
	}
	env := rc.Env
	if len(env) == 0 {
		env = os.Environ()
	}
	for _, kv := range env {
		if path, ok := strings.CutPrefix(kv, "PATH="); ok {
			_ = os.Setenv("PATH", path)
		}
	}

	arg0 := rc.Args[0]
	path := arg0
	if rc.RootFS != "" && filepath.IsAbs(arg0) {
		if candidate := filepath.Join(rc.RootFS, arg0); isExecutable(candidate) {
			path = candidate
		}
	}
	if !strings.Contains(path, "/") {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return err
		}
		path = resolved
	}
	return syscall.Exec(path, rc.Args, env)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}
