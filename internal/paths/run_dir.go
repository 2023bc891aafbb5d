package paths

import (
	"fmt"
	"path/filepath"
)

// ContainerRootBase is where per-engine container state lives unless a
// bundle overrides it.
const ContainerRootBase = "/run/containerd"

func ContainerRoot(engineName string) string {
	return filepath.Join(ContainerRootBase, engineName)
}

// ManagerSocket is the fixed control socket of the manager daemon.
func ManagerSocket(engineName string) string {
	return filepath.Join("/run", fmt.Sprintf("io.containerd.%s.v1", engineName), "manager.sock")
}
