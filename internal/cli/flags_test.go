package cli

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestParseContainerdStyleFlags(t *testing.T) {
	t.Parallel()

	flags, err := Parse("containerd-shim-wasm-v1", []string{
		"-namespace", "k8s.io",
		"-id", "abc",
		"-address", "/run/containerd/containerd.sock",
		"-publish-binary", "/usr/bin/containerd",
		"-bundle", "/run/bundle",
		"-debug",
		"delete",
	})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	want := ShimFlags{
		Namespace:     "k8s.io",
		ID:            "abc",
		Address:       "/run/containerd/containerd.sock",
		PublishBinary: "/usr/bin/containerd",
		Bundle:        "/run/bundle",
		Debug:         true,
		Action:        ActionDelete,
	}
	if flags != want {
		t.Fatalf("unexpected flags:\n got %+v\nwant %+v", flags, want)
	}
}

func TestParseDefaults(t *testing.T) {
	t.Parallel()

	flags, err := Parse("shim", []string{"--id", "x", "--timeout", "1500ms"})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if flags.Namespace != "default" || flags.Action != ActionRun || flags.Timeout != 1500*time.Millisecond {
		t.Fatalf("unexpected defaults: %+v", flags)
	}
}

func TestParseRejectsUnknownAction(t *testing.T) {
	t.Parallel()

	if _, err := Parse("shim", []string{"--id", "x", "explode"}); err == nil {
		t.Fatal("expected parse error for unknown action")
	}
}

func TestNormalizeArgs(t *testing.T) {
	t.Parallel()

	got := NormalizeArgs([]string{"-id", "x", "-v", "-timeout", "-1s", "--bundle", "b", "--", "-keep"})
	want := []string{"--id", "x", "-v", "--timeout", "-1s", "--bundle", "b", "--", "-keep"}
	if !slices.Equal(got, want) {
		t.Fatalf("NormalizeArgs = %v, want %v", got, want)
	}
}

func TestWantsVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		args []string
		want bool
	}{
		{args: []string{"--version"}, want: true},
		{args: []string{"-version"}, want: true},
		{args: []string{"-v"}, want: true},
		{args: []string{"-id", "x", "--version=true"}, want: true},
		{args: []string{"-id", "version"}, want: false},
		{args: []string{"--", "--version"}, want: false},
		{args: nil, want: false},
	}
	for _, tt := range tests {
		if got := WantsVersion(tt.args); got != tt.want {
			t.Fatalf("WantsVersion(%v) = %v, want %v", tt.args, got, tt.want)
		}
	}
}

func TestNewLoggerFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := newLogger(&buf, false, false, "debug", "shim")
	if err != nil {
		t.Fatalf("newLogger returned error: %v", err)
	}
	logger.Debug("starting instance", "instance", "abc")

	line := buf.String()
	for _, want := range []string{"level=debug", `msg="starting instance"`, "component=shim", "instance=abc", "time="} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in logfmt output %q", want, line)
		}
	}
	if strings.Count(line, "\n") != 1 {
		t.Fatalf("expected a single record line, got %q", line)
	}

	if _, err := newLogger(&buf, false, false, "chatty", "shim"); err == nil {
		t.Fatal("expected invalid level error")
	}
}

func TestLogLevel(t *testing.T) {
	t.Parallel()

	if got := LogLevel(ShimFlags{Debug: true, LogLevel: "warn"}, "error"); got != "debug" {
		t.Fatalf("debug flag should win, got %q", got)
	}
	if got := LogLevel(ShimFlags{LogLevel: "warn"}, "error"); got != "warn" {
		t.Fatalf("explicit level should win over config, got %q", got)
	}
	if got := LogLevel(ShimFlags{}, "error"); got != "error" {
		t.Fatalf("expected configured level, got %q", got)
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	if got := ExitCode(nil); got != 0 {
		t.Fatalf("ExitCode(nil) = %d", got)
	}
	if got := ExitCode(errors.New("boom")); got != FailureCode {
		t.Fatalf("ExitCode(plain) = %d, want %d", got, FailureCode)
	}
	if got := ExitCode(fmt.Errorf("wrapped: %w", WithExitCode(42))); got != 42 {
		t.Fatalf("ExitCode(wrapped 42) = %d", got)
	}
}
