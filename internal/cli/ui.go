package cli

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"golang.org/x/term"
)

// StartupHeader is the banner the manager daemon prints when started by hand.
type StartupHeader struct {
	Title  string
	Fields []StartupField
}

type StartupField struct {
	Key   string
	Value string
}

// SGR parameters for the startup banner.
const (
	sgrTitle = "1;36"
	sgrField = "38;5;252"
)

// levelColors are 256-color palette entries for the level badge.
var levelColors = map[log.Level]lipgloss.Color{
	log.DebugLevel: "45",
	log.InfoLevel:  "48",
	log.WarnLevel:  "214",
	log.ErrorLevel: "203",
}

func renderStartupHeader(h StartupHeader, color bool) string {
	paint := func(_, s string) string { return s }
	if color {
		paint = sgr
	}

	title := strings.TrimSpace(h.Title)
	if title == "" {
		title = "sandboxshim"
	}

	var out strings.Builder
	out.WriteString("\n" + paint(sgrTitle, title) + "\n")
	for _, field := range h.Fields {
		key, value := strings.TrimSpace(field.Key), strings.TrimSpace(field.Value)
		if key == "" || value == "" {
			continue
		}
		out.WriteString("   " + paint(sgrField, key+": "+value) + "\n")
	}
	out.WriteByte('\n')
	return out.String()
}

// WriteStartupHeader prints h to stderr when a person is watching. Under
// containerd stderr is a pipe and nothing is written.
func WriteStartupHeader(stderr *os.File, h StartupHeader) error {
	if !isTerminal(stderr) {
		return nil
	}
	return writeStartupHeader(stderr, h, shouldUseANSI(stderr))
}

func writeStartupHeader(w io.Writer, h StartupHeader, color bool) error {
	if w == nil {
		return nil
	}
	_, err := io.WriteString(w, renderStartupHeader(h, color))
	return err
}

func isTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

func shouldUseANSI(f *os.File) bool {
	if enabled, ok := colorOverride(); ok {
		return enabled
	}
	return isTerminal(f)
}

// colorOverride reports an explicit color choice from NO_COLOR, CLICOLOR or
// CLICOLOR_FORCE. ok is false when the environment expresses none.
func colorOverride() (enabled, ok bool) {
	if _, set := os.LookupEnv("NO_COLOR"); set {
		return false, true
	}
	if strings.TrimSpace(os.Getenv("CLICOLOR")) == "0" {
		return false, true
	}
	switch strings.TrimLeft(strings.TrimSpace(os.Getenv("CLICOLOR_FORCE")), "0") {
	case "":
		return false, false
	default:
		return true, true
	}
}

func terminalStyles() *log.Styles {
	styles := log.DefaultStyles()
	styles.Message = styles.Message.Foreground(lipgloss.Color("252"))
	styles.Key = styles.Key.Bold(true).Foreground(lipgloss.Color("75"))
	styles.Value = styles.Value.Foreground(lipgloss.Color("255"))
	styles.Separator = styles.Separator.Foreground(lipgloss.Color("240"))
	for level, c := range levelColors {
		styles.Levels[level] = styles.Levels[level].Bold(true).Foreground(c)
	}
	return styles
}

func sgr(params, s string) string {
	return "\x1b[" + params + "m" + s + "\x1b[0m"
}
