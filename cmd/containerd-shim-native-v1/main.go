//go:build linux

// containerd-shim-native-v1 runs OCI workloads as plain host processes
// inside the shim's sandbox. Install it under the client and daemon names
// (containerd-shim-natived-v1, containerd-natived) to use the manager.
package main

import (
	"github.com/buildkite/sandboxshim/internal/shim"
)

var (
	version  = "dev"
	revision = "unknown"
)

func main() {
	shim.Main(nativeEngine{}, shim.BuildInfo{Version: version, Revision: revision})
}
