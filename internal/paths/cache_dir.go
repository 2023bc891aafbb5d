package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const appDir = "sandboxshim"

// xdgBaseDir resolves an XDG base directory for sandboxshim.
// Preference order:
// 1. $<envVar>/sandboxshim
// 2. ~/<homeRel>/sandboxshim
// 3. $XDG_RUNTIME_DIR/sandboxshim
func xdgBaseDir(envVar string, homeRel ...string) (string, error) {
	if dir := strings.TrimSpace(os.Getenv(envVar)); dir != "" {
		return filepath.Join(dir, appDir), nil
	}

	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		return filepath.Join(append(append([]string{home}, homeRel...), appDir)...), nil
	}
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, appDir), nil
	}
	if err != nil {
		return "", err
	}
	return "", fmt.Errorf("unable to resolve directory from %s, XDG_RUNTIME_DIR or home", envVar)
}

func CacheBaseDir() (string, error) {
	return xdgBaseDir("XDG_CACHE_HOME", ".cache")
}

// ModuleCacheDir holds fetched module blobs, one file per digest.
func ModuleCacheDir() (string, error) {
	base, err := CacheBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "modules"), nil
}
