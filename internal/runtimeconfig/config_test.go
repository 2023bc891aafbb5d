package runtimeconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "demo.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(envConfigPath, path)
	return path
}

func TestLoadParsesConfig(t *testing.T) {
	path := writeConfig(t, `log_level: " DEBUG "
modules:
  cache_dir: /var/cache/modules
  fetch_timeout_seconds: 5
  insecure_registries:
    - localhost:5000
    - "  "
zygote:
  unshare_mounts: false
wait:
  default_timeout_seconds: 30
`)

	cfg, gotPath, err := Load("demo")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if gotPath != path {
		t.Fatalf("unexpected path: got %q want %q", gotPath, path)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("unexpected log level: %q", cfg.LogLevel)
	}
	if got, want := cfg.Modules.FetchTimeout(), 5*time.Second; got != want {
		t.Fatalf("unexpected fetch timeout: got %s want %s", got, want)
	}
	if len(cfg.Modules.InsecureRegistries) != 1 || cfg.Modules.InsecureRegistries[0] != "localhost:5000" {
		t.Fatalf("unexpected insecure registries: %v", cfg.Modules.InsecureRegistries)
	}
	if cfg.Zygote.Unshare() {
		t.Fatal("expected explicit unshare_mounts: false to win")
	}
	if got, want := cfg.Wait.DefaultTimeout(), 30*time.Second; got != want {
		t.Fatalf("unexpected wait timeout: got %s want %s", got, want)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	t.Setenv(envConfigPath, filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, _, err := Load("demo")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got, want := cfg.Modules.FetchTimeout(), defaultFetchTimeout; got != want {
		t.Fatalf("unexpected default fetch timeout: got %s want %s", got, want)
	}
	if got := cfg.Wait.DefaultTimeout(); got >= 0 {
		t.Fatalf("expected negative default wait timeout, got %s", got)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	writeConfig(t, "modules: [")
	if _, _, err := Load("demo"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestUnshareDefaultsToRoot(t *testing.T) {
	original := geteuid
	t.Cleanup(func() { geteuid = original })

	geteuid = func() int { return 0 }
	if !(ZygoteConfig{}).Unshare() {
		t.Fatal("expected root to unshare by default")
	}
	geteuid = func() int { return 1000 }
	if (ZygoteConfig{}).Unshare() {
		t.Fatal("expected non-root not to unshare by default")
	}
}

func TestPathDefault(t *testing.T) {
	t.Setenv(envConfigPath, "")
	if got, want := Path("demo"), "/etc/sandboxshim/demo.yaml"; got != want {
		t.Fatalf("unexpected path: got %q want %q", got, want)
	}
}
