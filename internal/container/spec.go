package container

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const specFileName = "config.json"

// LoadSpec reads the OCI runtime spec from a bundle directory.
func LoadSpec(bundle string) (*specs.Spec, error) {
	data, err := os.ReadFile(filepath.Join(bundle, specFileName))
	if err != nil {
		return nil, fmt.Errorf("read bundle spec: %w", err)
	}
	var spec specs.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("decode bundle spec: %w", err)
	}
	if spec.Process == nil || len(spec.Process.Args) == 0 {
		return nil, errors.New("bundle spec has no process args")
	}
	return &spec, nil
}

// rootfsPath resolves spec.Root.Path relative to the bundle.
func rootfsPath(bundle string, spec *specs.Spec) string {
	path := "rootfs"
	if spec.Root != nil && spec.Root.Path != "" {
		path = spec.Root.Path
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(bundle, path)
}

type bundleOptions struct {
	Root string `json:"root"`
}

// DetermineRootDir picks the directory that holds per-container state. A
// "root" entry in <bundle>/options.json overrides base. The namespace is
// always appended so namespaces never share state.
func DetermineRootDir(bundle, namespace, base string) (string, error) {
	if namespace == "" {
		return "", errors.New("namespace is required")
	}

	root := base
	data, err := os.ReadFile(filepath.Join(bundle, "options.json"))
	switch {
	case err == nil:
		var opts bundleOptions
		if err := json.Unmarshal(data, &opts); err != nil {
			return "", fmt.Errorf("decode bundle options: %w", err)
		}
		if opts.Root != "" {
			root = opts.Root
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return "", fmt.Errorf("read bundle options: %w", err)
	}

	if root == "" {
		return "", errors.New("container root directory is empty")
	}
	return filepath.Join(root, namespace), nil
}
