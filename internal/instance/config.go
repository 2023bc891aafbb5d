package instance

import (
	"context"
	"strings"

	"github.com/buildkite/sandboxshim/internal/engine"
)

const DefaultNamespace = "default"

// Config is what containerd tells the shim about one container.
type Config struct {
	Namespace         string `json:"namespace"`
	ContainerdAddress string `json:"containerd_address,omitempty"`
	Bundle            string `json:"bundle"`
	Stdin             string `json:"stdin,omitempty"`
	Stdout            string `json:"stdout,omitempty"`
	Stderr            string `json:"stderr,omitempty"`
}

func (c Config) namespace() string {
	if ns := strings.TrimSpace(c.Namespace); ns != "" {
		return ns
	}
	return DefaultNamespace
}

// ModuleLoader resolves the workload modules for a bundle ahead of time.
// Failures are not fatal: the engine falls back to files in the rootfs.
type ModuleLoader interface {
	LoadModules(ctx context.Context, bundle string, layerTypes []string) ([]engine.Module, engine.Platform, error)
}
