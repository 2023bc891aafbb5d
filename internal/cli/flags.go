// Package cli parses the flags containerd passes to a shim binary and builds
// the shim's loggers.
package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/alecthomas/kong"
)

const (
	ActionRun    = "run"
	ActionDelete = "delete"
)

// ShimFlags mirrors the flag set containerd uses when it execs a shim.
type ShimFlags struct {
	Namespace     string        `help:"Namespace that owns the task" default:"default"`
	ID            string        `name:"id" help:"Id of the task"`
	Address       string        `help:"Address of the containerd socket"`
	Bundle        string        `help:"Path to the bundle (defaults to the working directory)"`
	PublishBinary string        `name:"publish-binary" help:"Path to the binary used to publish events"`
	Debug         bool          `help:"Enable debug output in logs"`
	Version       bool          `help:"Show the shim version and exit"`
	Stdin         string        `help:"Path to the workload's stdin"`
	Stdout        string        `help:"Path to the workload's stdout"`
	Stderr        string        `help:"Path to the workload's stderr"`
	Timeout       time.Duration `help:"How long to wait for the workload; zero uses the configured default"`
	LogLevel      string        `name:"log-level" help:"Log level (debug|info|warn|error)"`

	Action string `arg:"" optional:"" default:"run" enum:"run,delete" help:"Lifecycle action (run|delete)"`
}

// Parse reads shim arguments (without argv[0]). Single-dash long flags, as
// containerd writes them, are accepted.
func Parse(name string, args []string) (ShimFlags, error) {
	var flags ShimFlags
	parser, err := kong.New(
		&flags,
		kong.Name(name),
		kong.Description("containerd shim for "+name),
	)
	if err != nil {
		return ShimFlags{}, err
	}
	if _, err := parser.Parse(NormalizeArgs(args)); err != nil {
		return ShimFlags{}, fmt.Errorf("parse shim flags: %w", err)
	}
	return flags, nil
}

// NormalizeArgs rewrites -flag to --flag. Single-letter flags and negative
// numbers are left alone.
func NormalizeArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i, arg := range args {
		if arg == "--" {
			out = append(out, args[i:]...)
			break
		}
		if len(arg) > 2 && arg[0] == '-' && arg[1] != '-' && (arg[1] < '0' || arg[1] > '9') {
			arg = "-" + arg
		}
		out = append(out, arg)
	}
	return out
}

// WantsVersion reports whether args ask for the version, without parsing the
// rest of the flag set.
func WantsVersion(args []string) bool {
	for _, arg := range NormalizeArgs(args) {
		if arg == "--" {
			return false
		}
		if arg == "--version" || arg == "-v" || strings.HasPrefix(arg, "--version=true") {
			return true
		}
	}
	return false
}
