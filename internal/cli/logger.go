package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// NewLogger writes to w, normally stderr. containerd collects shim stderr
// through a pipe, so anything but a terminal gets logfmt, one record per
// line.
func NewLogger(w io.Writer, rawLevel, component string) (*log.Logger, error) {
	f, _ := w.(*os.File)
	return newLogger(w, isTerminal(f), shouldUseANSI(f), rawLevel, component)
}

func newLogger(w io.Writer, tty, color bool, rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", rawLevel, err)
	}

	formatter := log.LogfmtFormatter
	if tty {
		formatter = log.TextFormatter
	}
	logger := log.NewWithOptions(w, log.Options{
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: !tty,
	})
	if tty && color {
		logger.SetStyles(terminalStyles())
	}
	return logger.With("component", component), nil
}

// LogLevel picks the effective level: --debug wins over the flag, which wins
// over config.
func LogLevel(flags ShimFlags, configured string) string {
	switch {
	case flags.Debug:
		return "debug"
	case strings.TrimSpace(flags.LogLevel) != "":
		return flags.LogLevel
	default:
		return configured
	}
}

// FailureCode is the exit status for errors that carry no code of their own.
const FailureCode = 137

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

// WithExitCode attaches an exit status to a failure.
func WithExitCode(code int) error {
	return exitCodeError{code: code}
}

func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return FailureCode
}
