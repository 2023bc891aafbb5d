//go:build linux

// Package pidfd waits for a specific process through a Linux pidfd. The
// descriptor pins the process, so a recycled pid can never be mistaken for
// the one that was opened.
package pidfd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

type OutcomeKind int

const (
	Other OutcomeKind = iota
	Exited
	Signaled
)

func (k OutcomeKind) String() string {
	switch k {
	case Exited:
		return "exited"
	case Signaled:
		return "signaled"
	default:
		return "other"
	}
}

// FailureCode is reported for outcomes that are neither a normal exit nor a
// terminating signal.
const FailureCode = 137

type Outcome struct {
	Kind   OutcomeKind
	Status int
	Signal unix.Signal
}

// ExitCode maps the outcome onto shell conventions.
func (o Outcome) ExitCode() uint32 {
	switch o.Kind {
	case Exited:
		return uint32(o.Status)
	case Signaled:
		return 128 + uint32(o.Signal)
	default:
		return FailureCode
	}
}

func (o Outcome) String() string {
	switch o.Kind {
	case Exited:
		return fmt.Sprintf("exited with status %d", o.Status)
	case Signaled:
		return fmt.Sprintf("killed by %s", unix.SignalName(o.Signal))
	default:
		return "terminated unexpectedly"
	}
}

func outcomeFromStatus(ws unix.WaitStatus) Outcome {
	switch {
	case ws.Exited():
		return Outcome{Kind: Exited, Status: ws.ExitStatus()}
	case ws.Signaled():
		return Outcome{Kind: Signaled, Signal: ws.Signal()}
	default:
		return Outcome{Kind: Other}
	}
}

type PidFD struct {
	pid  int
	file *os.File
}

// Open binds to pid. The caller must be the parent of pid for Wait to reap
// it.
func Open(pid int) (*PidFD, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("pidfd: invalid pid %d", pid)
	}
	fd, err := unix.PidfdOpen(pid, unix.PIDFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("pidfd_open %d: %w", pid, err)
	}
	return &PidFD{pid: pid, file: os.NewFile(uintptr(fd), fmt.Sprintf("pidfd:%d", pid))}, nil
}

func (p *PidFD) Pid() int {
	return p.pid
}

// Wait blocks until the process terminates, then reaps it. Cancelling ctx
// stops the wait but leaves the process untouched.
func (p *PidFD) Wait(ctx context.Context) (Outcome, error) {
	raw, err := p.file.SyscallConn()
	if err != nil {
		return Outcome{Kind: Other}, fmt.Errorf("pidfd %d: %w", p.pid, err)
	}

	if err := p.file.SetReadDeadline(time.Time{}); err != nil {
		return Outcome{Kind: Other}, fmt.Errorf("pidfd %d: %w", p.pid, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = p.file.SetReadDeadline(time.Now())
	})
	defer stop()

	var (
		ws      unix.WaitStatus
		waitErr error
	)
	// The pidfd polls readable once the process is a zombie. The zombie keeps
	// the pid allocated until wait4 below, so the pid cannot be reused.
	err = raw.Read(func(uintptr) bool {
		for {
			wpid, err := unix.Wait4(p.pid, &ws, unix.WNOHANG, nil)
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case err != nil:
				waitErr = err
				return true
			case wpid == 0:
				return false
			default:
				return true
			}
		}
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Outcome{Kind: Other}, ctxErr
		}
		return Outcome{Kind: Other}, fmt.Errorf("wait on pidfd %d: %w", p.pid, err)
	}
	if waitErr != nil {
		return Outcome{Kind: Other}, fmt.Errorf("wait4 %d: %w", p.pid, waitErr)
	}
	return outcomeFromStatus(ws), nil
}

func (p *PidFD) Close() error {
	return p.file.Close()
}
