package paths

import "path/filepath"

func StateBaseDir() (string, error) {
	return xdgBaseDir("XDG_STATE_HOME", ".local", "state")
}

func ModuleMetadataDBPath() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "modules", "metadata.db"), nil
}
