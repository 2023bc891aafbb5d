// Package shim is the entry point shared by every shim binary. The binary's
// own name decides whether it drives a single instance, talks to the
// manager daemon, or is the daemon.
package shim

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

type BuildInfo struct {
	Version  string
	Revision string
}

type Role int

const (
	RoleInstance Role = iota
	RoleClient
	RoleDaemon
)

func (r Role) String() string {
	switch r {
	case RoleInstance:
		return "instance"
	case RoleClient:
		return "client"
	case RoleDaemon:
		return "daemon"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Identities returns the binary names for the instance, client and daemon
// roles of an engine.
func Identities(name string) (instance, client, daemon string) {
	name = strings.ToLower(name)
	return "containerd-shim-" + name + "-v1",
		"containerd-shim-" + name + "d-v1",
		"containerd-" + name + "d"
}

type UsageError struct {
	Expected [3]string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("error: unrecognized binary name, expected one of %s, %s, or %s.", e.Expected[0], e.Expected[1], e.Expected[2])
}

// ResolveRole matches the base name of argv0 exactly.
func ResolveRole(argv0, name string) (Role, error) {
	instance, client, daemon := Identities(name)
	switch filepath.Base(argv0) {
	case instance:
		return RoleInstance, nil
	case client:
		return RoleClient, nil
	case daemon:
		return RoleDaemon, nil
	}
	return 0, &UsageError{Expected: [3]string{instance, client, daemon}}
}

// WriteVersion prints the invoked identity, which is the base name of argv0
// without its extension, and the engine name as the engine declares it.
func WriteVersion(w io.Writer, argv0, name string, info BuildInfo) {
	base := filepath.Base(argv0)
	fmt.Fprintf(w, "%s:\n", strings.TrimSuffix(base, filepath.Ext(base)))
	fmt.Fprintf(w, "  Runtime: %s\n", name)
	fmt.Fprintf(w, "  Version: %s\n", info.Version)
	fmt.Fprintf(w, "  Revision: %s\n", info.Revision)
	fmt.Fprintln(w)
}
