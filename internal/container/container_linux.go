//go:build linux

package container

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/buildkite/sandboxshim/internal/engine"
	"github.com/buildkite/sandboxshim/internal/zygote"
	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"
)

// BuildOp is the zygote operation that runs Build.
const BuildOp = "container.build"

const envInit = "SANDBOXSHIM_CONTAINER_INIT"

var initExecutable = "/proc/self/exe"

func init() {
	zygote.Register(BuildOp, Build)
}

type BuildRequest struct {
	ID       string          `cbor:"id"`
	Bundle   string          `cbor:"bundle"`
	RootDir  string          `cbor:"root_dir"`
	Engine   string          `cbor:"engine"`
	Modules  []engine.Module `cbor:"modules,omitempty"`
	Platform engine.Platform `cbor:"platform"`
	Stdin    string          `cbor:"stdin,omitempty"`
	Stdout   string          `cbor:"stdout,omitempty"`
	Stderr   string          `cbor:"stderr,omitempty"`
}

type BuildResult struct {
	Root  string `cbor:"root"`
	State State  `cbor:"state"`
}

// Container drives a built container from its on-disk state. It is not safe
// for concurrent use.
type Container struct {
	root  string
	state State
}

func Load(root string, state State) *Container {
	return &Container{root: root, state: state}
}

// Open loads a container previously built under rootDir.
func Open(rootDir, id string) (*Container, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	root := filepath.Join(rootDir, id)
	state, err := loadState(root)
	if err != nil {
		return nil, err
	}
	return Load(root, state), nil
}

func validateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("container id is empty: %w", errdefs.ErrInvalidArgument)
	case id == "." || id == ".." || strings.ContainsAny(id, "/\x00"):
		return fmt.Errorf("invalid container id %q: %w", id, errdefs.ErrInvalidArgument)
	}
	return nil
}

// Build creates the container directory and spawns the init process, which
// waits on the exec fifo until Start. Inside the zygote the init process is
// spawned as a sibling so the zygote's parent can reap it.
func Build(ctx context.Context, req BuildRequest) (BuildResult, error) {
	if err := validateID(req.ID); err != nil {
		return BuildResult{}, err
	}
	if req.RootDir == "" {
		return BuildResult{}, fmt.Errorf("container root directory is empty: %w", errdefs.ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return BuildResult{}, err
	}

	spec, err := LoadSpec(req.Bundle)
	if err != nil {
		return BuildResult{}, err
	}

	if err := os.MkdirAll(req.RootDir, 0o711); err != nil {
		return BuildResult{}, fmt.Errorf("create container root: %w", err)
	}
	root := filepath.Join(req.RootDir, req.ID)
	if err := os.Mkdir(root, 0o711); err != nil {
		if errors.Is(err, os.ErrExist) {
			return BuildResult{}, fmt.Errorf("container %s: %w", req.ID, errdefs.ErrAlreadyExists)
		}
		return BuildResult{}, fmt.Errorf("create container directory: %w", err)
	}

	state, err := build(root, req, spec.Process.Args, spec.Process.Env, spec.Process.Cwd, rootfsPath(req.Bundle, spec), spec.Annotations)
	if err != nil {
		_ = os.RemoveAll(root)
		return BuildResult{}, err
	}
	return BuildResult{Root: root, State: state}, nil
}

func build(root string, req BuildRequest, args, env []string, cwd, rootfs string, annotations map[string]string) (State, error) {
	if err := unix.Mkfifo(filepath.Join(root, execFifoFileName), 0o600); err != nil {
		return State{}, fmt.Errorf("create exec fifo: %w", err)
	}

	platform := req.Platform
	if platform.OS == "" {
		platform = engine.DefaultPlatform()
	}
	cfg := initConfig{
		Engine: req.Engine,
		Runtime: engine.RuntimeContext{
			ID:          req.ID,
			Args:        args,
			Env:         env,
			Cwd:         cwd,
			RootFS:      rootfs,
			Annotations: annotations,
			Modules:     req.Modules,
			Platform:    platform,
		},
	}
	if err := writeCBOR(filepath.Join(root, initFileName), cfg); err != nil {
		return State{}, fmt.Errorf("write init config: %w", err)
	}

	cmd := exec.Command(initExecutable)
	cmd.Args = []string{"sandboxshim-init", req.ID}
	cmd.Env = append(os.Environ(), envInit+"="+root)
	cmd.Dir = "/"
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if zygote.InZygote() {
		cmd.SysProcAttr.Cloneflags = syscall.CLONE_PARENT
	}

	var opened []*os.File
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()
	if f := openStdio(req.Stdin); f != nil {
		opened = append(opened, f)
		cmd.Stdin = f
	}
	if f := openStdio(req.Stdout); f != nil {
		opened = append(opened, f)
		cmd.Stdout = f
	}
	if f := openStdio(req.Stderr); f != nil {
		opened = append(opened, f)
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return State{}, fmt.Errorf("spawn container init: %w", err)
	}
	pid := cmd.Process.Pid
	// The process is reaped through a pidfd by whoever starts the container.
	_ = cmd.Process.Release()

	state := State{
		ID:      req.ID,
		Bundle:  req.Bundle,
		Rootfs:  rootfs,
		Engine:  req.Engine,
		Status:  StatusCreated,
		Pid:     pid,
		Created: time.Now().UTC(),
	}
	if stat, err := readProcStat(pid); err == nil {
		state.StartTime = stat.StartTime
	}
	if err := saveState(root, state); err != nil {
		_ = unix.Kill(-pid, unix.SIGKILL)
		return State{}, err
	}
	return state, nil
}

// openStdio opens a containerd stdio fifo. Opening read-write never blocks
// on a fifo, whichever side containerd has opened. Failures leave the stream
// unset.
func openStdio(path string) *os.File {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil
	}
	return f
}

func (c *Container) ID() string {
	return c.state.ID
}

func (c *Container) Root() string {
	return c.root
}

func (c *Container) State() State {
	return c.state
}

func (c *Container) Pid() (int, error) {
	if c.state.Pid <= 0 {
		return 0, fmt.Errorf("container %s has no init process: %w", c.state.ID, errdefs.ErrFailedPrecondition)
	}
	return c.state.Pid, nil
}

var (
	startTimeout  = 5 * time.Second
	startInterval = 10 * time.Millisecond
)

// Start releases the init process. The fifo has no reader until the init
// process opens it, so opening for write is retried while init is alive.
func (c *Container) Start() error {
	if c.state.Status != StatusCreated {
		return fmt.Errorf("container %s is %s: %w", c.state.ID, c.state.Status, errdefs.ErrFailedPrecondition)
	}
	pid, err := c.Pid()
	if err != nil {
		return err
	}

	fifo := filepath.Join(c.root, execFifoFileName)
	deadline := time.Now().Add(startTimeout)
	var f *os.File
	for {
		f, err = os.OpenFile(fifo, os.O_WRONLY|unix.O_NONBLOCK, 0)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.ENXIO) {
			return fmt.Errorf("open exec fifo: %w", err)
		}
		if !running(pid, c.state.StartTime) {
			return fmt.Errorf("container %s init exited before start: %w", c.state.ID, errdefs.ErrFailedPrecondition)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("container %s init never opened the exec fifo: %w", c.state.ID, context.DeadlineExceeded)
		}
		time.Sleep(startInterval)
	}
	_, err = f.Write([]byte{0})
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("write exec fifo: %w", err)
	}
	_ = os.Remove(fifo)

	c.state.Status = StatusRunning
	return saveState(c.root, c.state)
}

var ErrNotRunning = fmt.Errorf("container is not running: %w", errdefs.ErrNotFound)

// Kill signals the init process, or its whole process group when all is set.
func (c *Container) Kill(sig unix.Signal, all bool) error {
	pid, err := c.Pid()
	if err != nil {
		return err
	}
	if _, ok := owned(pid, c.state.StartTime); !ok {
		return ErrNotRunning
	}
	target := pid
	if all {
		target = -pid
	}
	if err := unix.Kill(target, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrNotRunning
		}
		return fmt.Errorf("signal container %s: %w", c.state.ID, err)
	}
	return nil
}

// Delete removes the container directory. With force, a live process group
// is killed first; without it a live container is an error. Deleting twice
// is not an error.
func (c *Container) Delete(force bool) error {
	if _, ok := owned(c.state.Pid, c.state.StartTime); ok && c.state.Pid > 0 {
		if !force && running(c.state.Pid, c.state.StartTime) {
			return fmt.Errorf("container %s is still running: %w", c.state.ID, errdefs.ErrFailedPrecondition)
		}
		if err := unix.Kill(-c.state.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("kill container %s: %w", c.state.ID, err)
		}
	}
	if err := os.RemoveAll(c.root); err != nil {
		return fmt.Errorf("remove container %s: %w", c.state.ID, err)
	}
	return nil
}
