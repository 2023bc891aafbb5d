package zygote

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildkite/sandboxshim/internal/codec"
	"github.com/charmbracelet/log"
)

const (
	envZygote  = "SANDBOXSHIM_ZYGOTE"
	envUnshare = "SANDBOXSHIM_ZYGOTE_UNSHARE"

	// The child end of the socketpair is the first entry in ExtraFiles.
	childConnFD = 3
)

type Options struct {
	// UnshareMounts puts the zygote in its own mount namespace with slave
	// propagation. It requires CAP_SYS_ADMIN.
	UnshareMounts bool
	// Executable defaults to /proc/self/exe.
	Executable string
	Logger     *log.Logger
}

// Process is a long-lived child of the current binary that serves
// operations one at a time over a socketpair.
type Process struct {
	logger *log.Logger
	pid    int
	kill   func() error
	exited chan struct{}

	mu   sync.Mutex
	conn net.Conn
	enc  *codec.Encoder
	dec  *codec.Decoder
	dead *WireError
}

var inZygote atomic.Bool

// InZygote reports whether the current process is a zygote child.
func InZygote() bool {
	return inZygote.Load()
}

var (
	globalOnce sync.Once
	globalProc *Process
	globalErr  error
)

// Global returns the process-wide zygote, starting it on first use with
// opts. Later calls ignore opts. The zygote dies with this process.
func Global(opts Options) (*Process, error) {
	globalOnce.Do(func() {
		globalProc, globalErr = Start(opts)
	})
	return globalProc, globalErr
}

func (p *Process) Pid() int {
	return p.pid
}

func (p *Process) Call(ctx context.Context, op string, args, out any) error {
	raw, err := encodeArgs(op, args)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dead != nil {
		return p.dead
	}

	deadline, _ := ctx.Deadline()
	if err := p.conn.SetDeadline(deadline); err != nil {
		return p.markDead(fmt.Errorf("set deadline: %w", err))
	}
	// Cancellation expires the deadline so a blocked exchange returns.
	stop := context.AfterFunc(ctx, func() { _ = p.conn.SetDeadline(time.Now()) })
	defer stop()

	req := request{ID: newRequestID(), Op: op, Args: raw}
	if err := p.enc.Encode(req); err != nil {
		return p.failExchange(ctx, fmt.Errorf("send %s: %w", op, err))
	}
	var res response
	if err := p.dec.Decode(&res); err != nil {
		return p.failExchange(ctx, fmt.Errorf("receive %s: %w", op, err))
	}
	if res.ID != req.ID {
		return p.markDead(fmt.Errorf("response id %q does not match request %q", res.ID, req.ID))
	}
	return decodeResult(op, res, out)
}

// failExchange marks the zygote dead. The returned error also matches the
// context error when ctx ended the exchange.
func (p *Process) failExchange(ctx context.Context, cause error) error {
	dead := p.markDead(cause)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", dead, ctxErr)
	}
	return dead
}

// markDead must be called with p.mu held. A failed exchange leaves the stream
// in an unknown state, so the zygote is never used again.
func (p *Process) markDead(cause error) *WireError {
	if p.dead == nil {
		p.dead = &WireError{Kind: KindUnavailable, Message: cause.Error()}
		p.logger.Error("zygote unavailable", "pid", p.pid, "error", cause)
		_ = p.conn.Close()
	}
	return p.dead
}

// Close stops the zygote. Calls made afterwards fail with ErrUnavailable.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.dead == nil {
		p.dead = &WireError{Kind: KindUnavailable, Message: "zygote closed"}
		_ = p.conn.Close()
	}
	p.mu.Unlock()

	err := p.kill()
	select {
	case <-p.exited:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("zygote %d did not exit", p.pid)
	}
	if err != nil && !isProcessDone(err) {
		return err
	}
	return nil
}

func (p *Process) Done() <-chan struct{} {
	return p.exited
}

func childConn() (*os.File, error) {
	f := os.NewFile(uintptr(childConnFD), "zygote")
	if f == nil {
		return nil, fmt.Errorf("zygote: fd %d is not open", childConnFD)
	}
	return f, nil
}
