//go:build linux

package zygote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"syscall"

	"github.com/buildkite/sandboxshim/internal/codec"
	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

// Start re-executes the current binary as a zygote. The binary must call Init
// before doing anything else in main (or TestMain).
func Start(opts Options) (*Process, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.With("subsystem", "zygote")

	executable := opts.Executable
	if executable == "" {
		executable = "/proc/self/exe"
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("create zygote socketpair: %w", err)
	}
	parentFile := os.NewFile(uintptr(fds[0]), "zygote-parent")
	childFile := os.NewFile(uintptr(fds[1]), "zygote-child")
	defer childFile.Close()

	conn, err := net.FileConn(parentFile)
	_ = parentFile.Close()
	if err != nil {
		_ = childFile.Close()
		return nil, fmt.Errorf("wrap zygote socket: %w", err)
	}

	cmd := exec.Command(executable)
	cmd.Args = []string{os.Args[0]}
	cmd.Env = append(os.Environ(), envZygote+"=1")
	cmd.Stdin = nil
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
		Setpgid:   true,
	}
	if opts.UnshareMounts {
		cmd.Env = append(cmd.Env, envUnshare+"=1")
		cmd.SysProcAttr.Cloneflags = syscall.CLONE_NEWNS
	}

	if err := cmd.Start(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("start zygote: %w", err)
	}

	p := &Process{
		logger: logger,
		pid:    cmd.Process.Pid,
		kill:   cmd.Process.Kill,
		exited: make(chan struct{}),
		conn:   conn,
		enc:    codec.NewEncoder(conn),
		dec:    codec.NewDecoder(conn),
	}
	go func() {
		err := cmd.Wait()
		logger.Debug("zygote exited", "pid", p.pid, "error", err)
		close(p.exited)
	}()

	logger.Debug("zygote started", "pid", p.pid, "unshare_mounts", opts.UnshareMounts, "ops", Ops())
	return p, nil
}

// Init turns the current process into a zygote when it was started by Start.
// It returns false in every other process. In the zygote it serves requests
// until the parent goes away and then exits without returning.
func Init() bool {
	if os.Getenv(envZygote) == "" {
		return false
	}
	inZygote.Store(true)
	_ = os.Unsetenv(envZygote)

	logger := childLogger(os.Stderr)
	if os.Getenv(envUnshare) != "" {
		_ = os.Unsetenv(envUnshare)
		// Host mounts keep propagating in; nothing done here leaks out.
		if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_SLAVE, ""); err != nil {
			logger.Error("set mount propagation", "error", err)
			os.Exit(1)
		}
	}

	conn, err := childConn()
	if err != nil {
		logger.Error("open parent connection", "error", err)
		os.Exit(1)
	}
	if err := serve(context.Background(), conn); err != nil {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
	os.Exit(0)
	return true
}

// childLogger writes logfmt to the stderr the zygote shares with its parent.
func childLogger(w io.Writer) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		Level:     log.WarnLevel,
		Formatter: log.LogfmtFormatter,
		Prefix:    "sandboxshim-zygote",
	})
}

func isProcessDone(err error) bool {
	return errors.Is(err, os.ErrProcessDone)
}
