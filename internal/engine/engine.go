package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/buildkite/sandboxshim/internal/completion"
	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	MediaTypeWasmComponentLayer = "application/vnd.bytecodealliance.wasm.component.layer.v0+wasm"
	MediaTypeWasmContentLayer   = "application/vnd.wasm.content.layer.v1+wasm"

	// DefaultEntrypointFunc is invoked when the entrypoint names no function.
	DefaultEntrypointFunc = "_start"
)

var defaultLayerTypes = []string{
	MediaTypeWasmComponentLayer,
	MediaTypeWasmContentLayer,
}

// Engine executes a workload inside a sandbox process. Run's return value is
// resolved to the process exit code by the completion package.
type Engine interface {
	// Name identifies the engine. Binary names and on-disk paths use its
	// lower-cased form; --version prints it as declared.
	Name() string
	Run(ctx context.Context, rc *RuntimeContext, stdio Stdio) completion.Value
}

// Validator lets an engine decline a workload. Declined workloads fall back
// to running the process arguments natively.
type Validator interface {
	CanHandle(ctx context.Context, rc *RuntimeContext) completion.Verdict
}

// LayerTyper narrows which OCI layer media types the module loader should
// hand to the engine.
type LayerTyper interface {
	SupportedLayerTypes() []string
}

// SupportedLayerTypes returns the layer media types the engine accepts.
func SupportedLayerTypes(e Engine) []string {
	if typer, ok := e.(LayerTyper); ok {
		if types := typer.SupportedLayerTypes(); len(types) > 0 {
			return append([]string(nil), types...)
		}
	}
	return append([]string(nil), defaultLayerTypes...)
}

// CanHandle reports whether e accepts the workload. Engines without a
// Validator accept everything that names an entrypoint.
func CanHandle(ctx context.Context, e Engine, rc *RuntimeContext) error {
	if validator, ok := e.(Validator); ok {
		return completion.Check(ctx, validator.CanHandle(ctx, rc))
	}
	if _, err := rc.Entrypoint(); err != nil {
		return err
	}
	return nil
}

// Platform is the OCI platform of the image the modules came from.
type Platform = ocispec.Platform

// DefaultPlatform is the platform of the running host, used when an image
// carries none.
func DefaultPlatform() Platform {
	return platforms.DefaultSpec()
}

// Module is a workload layer fetched ahead of time and stored on the host.
type Module struct {
	Digest    digest.Digest `json:"digest"`
	MediaType string        `json:"media_type"`
	Path      string        `json:"path"`
	Size      int64         `json:"size"`
}

func (m Module) Open() (io.ReadCloser, error) {
	return os.Open(m.Path)
}

func (m Module) Bytes() ([]byte, error) {
	return os.ReadFile(m.Path)
}

type Stdio struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func OSStdio() Stdio {
	return Stdio{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
}

// RuntimeContext describes the workload as seen from inside the sandbox
// process.
type RuntimeContext struct {
	ID          string            `json:"id"`
	Args        []string          `json:"args"`
	Env         []string          `json:"env,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	RootFS      string            `json:"rootfs"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Modules     []Module          `json:"modules,omitempty"`
	Platform    Platform          `json:"platform"`
}

// Entrypoint is the resolved form of args[0], which may carry a function
// name after '#', e.g. "/app.wasm#handler".
type Entrypoint struct {
	Func string
	Name string
	Arg0 string
	// Source is either a preloaded module or a file inside the rootfs.
	Module *Module
	File   string
}

var ErrNoEntrypoint = errors.New("no entrypoint provided")

func (rc *RuntimeContext) Entrypoint() (Entrypoint, error) {
	if rc == nil || len(rc.Args) == 0 || strings.TrimSpace(rc.Args[0]) == "" {
		return Entrypoint{}, ErrNoEntrypoint
	}

	arg0 := rc.Args[0]
	path, fn, found := strings.Cut(arg0, "#")
	if !found || fn == "" {
		fn = DefaultEntrypointFunc
	}

	ep := Entrypoint{
		Func: fn,
		Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Arg0: arg0,
	}
	if len(rc.Modules) > 0 {
		module := rc.Modules[0]
		ep.Module = &module
		return ep, nil
	}

	if path == "" {
		return Entrypoint{}, fmt.Errorf("entrypoint %q has no module path", arg0)
	}
	ep.File = filepath.Join(rc.RootFS, path)
	return ep, nil
}
