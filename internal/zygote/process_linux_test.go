//go:build linux

package zygote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func startTestZygote(t *testing.T) *Process {
	t.Helper()

	p, err := Start(Options{Logger: log.New(io.Discard)})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestProcessRunsOperationsInChild(t *testing.T) {
	t.Parallel()

	p := startTestZygote(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out whoami
	if err := p.Call(ctx, "test.whoami", struct{}{}, &out); err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if out.Pid == os.Getpid() {
		t.Fatalf("expected operation to run outside the test process (pid %d)", out.Pid)
	}
	if out.Pid != p.Pid() || !out.InZygote {
		t.Fatalf("unexpected zygote identity: got %+v, zygote pid %d", out, p.Pid())
	}
	if InZygote() {
		t.Fatal("test process must not report InZygote")
	}
}

func TestProcessSurvivesInBandFailures(t *testing.T) {
	t.Parallel()

	p := startTestZygote(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := p.Call(ctx, "test.fail", echoArgs{Text: "proc"}, nil)
	var wireErr *WireError
	if !errors.As(err, &wireErr) || wireErr.Kind != KindFailed {
		t.Fatalf("expected failed wire error, got %v", err)
	}
	if err := p.Call(ctx, "test.panic", struct{}{}, nil); err == nil {
		t.Fatal("expected panic to surface as an error")
	}

	var out echoResult
	if err := p.Call(ctx, "test.echo", echoArgs{Text: "still alive"}, &out); err != nil {
		t.Fatalf("expected zygote to keep serving, got %v", err)
	}
	if out.Upper != "STILL ALIVE" {
		t.Fatalf("unexpected echo: %+v", out)
	}
}

func TestProcessSerializesConcurrentCalls(t *testing.T) {
	t.Parallel()

	p := startTestZygote(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := string(rune('a' + i))
			var out echoResult
			if err := p.Call(ctx, "test.echo", echoArgs{Text: text}, &out); err != nil {
				errs <- err
				return
			}
			if out.Text != text {
				errs <- errors.New("mismatched response " + out.Text + " for " + text)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestProcessUnavailableAfterCrash(t *testing.T) {
	t.Parallel()

	p := startTestZygote(t)
	if err := p.kill(); err != nil {
		t.Fatalf("kill zygote: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("zygote did not exit")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		err := p.Call(ctx, "test.echo", echoArgs{Text: "x"}, nil)
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("call %d: expected ErrUnavailable, got %v", i, err)
		}
	}
}

func TestProcessCallHonoursCancellation(t *testing.T) {
	t.Parallel()

	p := startTestZygote(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() { done <- p.Call(ctx, "test.block", struct{}{}, nil) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Call did not return after cancellation")
	}

	err := p.Call(context.Background(), "test.echo", echoArgs{Text: "x"}, nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after an abandoned exchange, got %v", err)
	}
}

func TestChildLoggerWritesLogfmt(t *testing.T) {
	var buf bytes.Buffer
	logger := childLogger(&buf)
	logger.Info("hidden")
	logger.Error("set mount propagation", "error", errors.New("operation not permitted"))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("expected info to be filtered, got %q", out)
	}
	for _, want := range []string{"level=error", "sandboxshim-zygote", `msg="set mount propagation"`, `error="operation not permitted"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
}

func TestProcessCloseIsFinal(t *testing.T) {
	t.Parallel()

	p := startTestZygote(t)
	if err := p.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	err := p.Call(context.Background(), "test.echo", echoArgs{Text: "x"}, nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after Close, got %v", err)
	}
}

func TestGlobalIsSingleton(t *testing.T) {
	first, err := Global(Options{Logger: log.New(io.Discard)})
	if err != nil {
		t.Fatalf("Global returned error: %v", err)
	}
	second, err := Global(Options{UnshareMounts: true})
	if err != nil {
		t.Fatalf("Global returned error: %v", err)
	}
	if first != second {
		t.Fatal("expected Global to return the same zygote")
	}
}
