//go:build linux

package shim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/buildkite/sandboxshim/internal/cli"
	"github.com/buildkite/sandboxshim/internal/completion"
	"github.com/buildkite/sandboxshim/internal/container"
	"github.com/buildkite/sandboxshim/internal/endpoint"
	"github.com/buildkite/sandboxshim/internal/engine"
	"github.com/buildkite/sandboxshim/internal/instance"
	"github.com/buildkite/sandboxshim/internal/zygote"
)

type testEngine struct{}

func (testEngine) Name() string { return "test" }

func (testEngine) Run(ctx context.Context, rc *engine.RuntimeContext, _ engine.Stdio) completion.Value {
	cmd := strings.TrimPrefix(rc.Args[0], "test:")
	switch {
	case strings.HasPrefix(cmd, "exit="):
		return completion.FromExit(strconv.Atoi(strings.TrimPrefix(cmd, "exit=")))
	case cmd == "hang":
		<-ctx.Done()
		return completion.Unit{}
	}
	return completion.Err(errors.New("unknown test command " + cmd))
}

func TestMain(m *testing.M) {
	if zygote.Init() {
		return
	}
	if container.Init(testEngine{}) {
		return
	}
	os.Exit(m.Run())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// isolate points config, container state and the manager socket at
// temporary locations.
func isolate(t *testing.T) {
	t.Helper()

	configPath := filepath.Join(t.TempDir(), "test.yaml")
	config := "log_level: debug\nmodules:\n  disabled: true\nzygote:\n  unshare_mounts: false\n"
	if err := os.WriteFile(configPath, []byte(config), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SANDBOXSHIM_CONFIG", configPath)

	rootBase := t.TempDir()
	socketDir, err := os.MkdirTemp("", "shim")
	if err != nil {
		t.Fatalf("create socket dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(socketDir) })

	prevRoot, prevEndpoint := containerRootBase, managerEndpoint
	containerRootBase = func(string) string { return rootBase }
	managerEndpoint = func(string) endpoint.Endpoint {
		return endpoint.Endpoint{Scheme: "unix", Address: filepath.Join(socketDir, "m.sock"), BaseURL: "http://unix"}
	}
	t.Cleanup(func() {
		containerRootBase, managerEndpoint = prevRoot, prevEndpoint
	})
}

func writeBundle(t *testing.T, args ...string) string {
	t.Helper()

	bundle := t.TempDir()
	if err := os.Mkdir(filepath.Join(bundle, "rootfs"), 0o755); err != nil {
		t.Fatalf("create rootfs: %v", err)
	}
	data, err := json.Marshal(map[string]any{
		"ociVersion": "1.0.2",
		"process":    map[string]any{"args": args, "cwd": "/"},
		"root":       map[string]any{"path": "rootfs"},
	})
	if err != nil {
		t.Fatalf("marshal spec: %v", err)
	}
	if err := os.WriteFile(filepath.Join(bundle, "config.json"), data, 0o644); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	return bundle
}

func run(t *testing.T, ctx context.Context, args ...string) (int, string, string) {
	t.Helper()

	var stdout, stderr syncBuffer
	code := Run(ctx, args, testEngine{}, BuildInfo{Version: "v1.2.3", Revision: "deadbeef"}, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunRejectsUnknownBinaryName(t *testing.T) {
	code, _, stderr := run(t, context.Background(), "/usr/bin/some-shim")
	if code != 137 {
		t.Fatalf("unexpected exit code: got %d want 137", code)
	}
	want := "error: unrecognized binary name, expected one of containerd-shim-test-v1, containerd-shim-testd-v1, or containerd-testd."
	if !strings.Contains(stderr, want) {
		t.Fatalf("expected usage message in stderr, got %q", stderr)
	}
}

func TestRunPrintsVersion(t *testing.T) {
	code, stdout, _ := run(t, context.Background(), "containerd-shim-test-v1", "-v")
	if code != 0 {
		t.Fatalf("unexpected exit code: %d", code)
	}
	want := "containerd-shim-test-v1:\n  Runtime: test\n  Version: v1.2.3\n  Revision: deadbeef\n\n"
	if stdout != want {
		t.Fatalf("unexpected version output:\n got %q\nwant %q", stdout, want)
	}
}

type mixedCaseEngine struct{ testEngine }

func (mixedCaseEngine) Name() string { return "TestVM" }

func TestRunPrintsVersionForInvokedIdentity(t *testing.T) {
	var stdout syncBuffer
	code := Run(context.Background(), []string{"/usr/local/bin/containerd-shim-testvmd-v1", "--version"}, mixedCaseEngine{}, BuildInfo{Version: "v1.2.3", Revision: "deadbeef"}, &stdout, &syncBuffer{})
	if code != 0 {
		t.Fatalf("unexpected exit code: %d", code)
	}
	want := "containerd-shim-testvmd-v1:\n  Runtime: TestVM\n  Version: v1.2.3\n  Revision: deadbeef\n\n"
	if stdout.String() != want {
		t.Fatalf("unexpected version output:\n got %q\nwant %q", stdout.String(), want)
	}
}

func TestRunInstanceRole(t *testing.T) {
	isolate(t)

	bundle := writeBundle(t, "test:exit=42")
	code, _, stderr := run(t, context.Background(), "containerd-shim-test-v1", "-namespace", "k8s.io", "-id", "one", "-bundle", bundle)
	if code != 42 {
		t.Fatalf("unexpected exit code: got %d want 42\nstderr:\n%s", code, stderr)
	}
	if !strings.Contains(stderr, "component=instance") {
		t.Fatalf("expected component field in logs, got %q", stderr)
	}
}

func TestRunInstanceRoleKillsOnTimeout(t *testing.T) {
	isolate(t)

	bundle := writeBundle(t, "test:hang")
	start := time.Now()
	code, _, stderr := run(t, context.Background(), "containerd-shim-test-v1", "-id", "slow", "-bundle", bundle, "-timeout", "200ms")
	if code != 137 {
		t.Fatalf("unexpected exit code: got %d want 137\nstderr:\n%s", code, stderr)
	}
	if time.Since(start) > 20*time.Second {
		t.Fatal("instance role did not honour its timeout")
	}
	if !strings.Contains(stderr, "did not exit in time") {
		t.Fatalf("expected timeout warning, got %q", stderr)
	}
}

func TestRunInstanceRoleRequiresID(t *testing.T) {
	isolate(t)

	code, _, stderr := run(t, context.Background(), "containerd-shim-test-v1", "-bundle", t.TempDir())
	if code != 137 || !strings.Contains(stderr, "--id is required") {
		t.Fatalf("unexpected result: code %d stderr %q", code, stderr)
	}
}

func TestRunDeleteActionWithoutState(t *testing.T) {
	isolate(t)

	code, _, stderr := run(t, context.Background(), "containerd-shim-test-v1", "-id", "ghost", "-bundle", t.TempDir(), "delete")
	if code != 0 {
		t.Fatalf("unexpected exit code: got %d\nstderr:\n%s", code, stderr)
	}
}

func TestRunDaemonAndClientRoles(t *testing.T) {
	isolate(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var daemonErr syncBuffer
	daemonDone := make(chan int, 1)
	go func() {
		daemonDone <- Run(ctx, []string{"/usr/local/bin/containerd-testd"}, testEngine{}, BuildInfo{}, &syncBuffer{}, &daemonErr)
	}()

	deadline := time.Now().Add(10 * time.Second)
	for !strings.Contains(daemonErr.String(), "server started!") {
		if time.Now().After(deadline) {
			t.Fatalf("daemon did not start, stderr:\n%s", daemonErr.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(daemonErr.String(), "starting up!") {
		t.Fatalf("expected startup log, got %q", daemonErr.String())
	}

	bundle := writeBundle(t, "test:exit=7")
	code, _, stderr := run(t, ctx, "containerd-shim-testd-v1", "-id", "via-daemon", "-bundle", bundle)
	if code != 7 {
		t.Fatalf("unexpected client exit code: got %d want 7\nstderr:\n%s", code, stderr)
	}

	code, _, stderr = run(t, ctx, "containerd-shim-testd-v1", "-id", "via-daemon", "-bundle", bundle, "delete")
	if code != 0 {
		t.Fatalf("delete of a removed instance should succeed, got %d\nstderr:\n%s", code, stderr)
	}

	cancel()
	select {
	case code := <-daemonDone:
		if code != 0 {
			t.Fatalf("unexpected daemon exit code: got %d\nstderr:\n%s", code, daemonErr.String())
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop after cancellation")
	}
}

func TestRunClientWithoutDaemon(t *testing.T) {
	isolate(t)

	code, _, stderr := run(t, context.Background(), "containerd-shim-testd-v1", "-id", "x", "-bundle", writeBundle(t, "test:exit=0"))
	if code != 137 {
		t.Fatalf("unexpected exit code: got %d want 137\nstderr:\n%s", code, stderr)
	}
}

func TestRunDaemonBindFailure(t *testing.T) {
	isolate(t)

	managerEndpoint = func(string) endpoint.Endpoint {
		return endpoint.Endpoint{Scheme: "unix", Address: "/proc/self/nope/m.sock", BaseURL: "http://unix"}
	}
	code, _, stderr := run(t, context.Background(), "containerd-testd")
	if code != 137 {
		t.Fatalf("unexpected exit code: got %d want 137\nstderr:\n%s", code, stderr)
	}
	if strings.Contains(stderr, "server started!") {
		t.Fatalf("server must not report started on bind failure: %q", stderr)
	}
}

func TestInstanceConfigNormalisesAddress(t *testing.T) {
	rt := &shimRuntime{}
	cfg, err := rt.instanceConfig(cli.ShimFlags{ID: "a", Bundle: "/b", Namespace: "ns", Address: "unix:///run/containerd/containerd.sock"})
	if err != nil {
		t.Fatalf("instanceConfig returned error: %v", err)
	}
	if cfg.ContainerdAddress != "/run/containerd/containerd.sock" || cfg.Bundle != "/b" || cfg.Namespace != "ns" {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	if _, err := rt.instanceConfig(cli.ShimFlags{ID: "a", Bundle: "/b", Address: "tcp://127.0.0.1:1"}); !errors.Is(err, instance.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for tcp address, got %v", err)
	}
}
