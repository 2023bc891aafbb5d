package endpoint

import (
	"fmt"
	"strings"

	"github.com/buildkite/sandboxshim/internal/paths"
)

// Endpoint is a local control socket. BaseURL is what HTTP clients use as
// the request host once the transport dials Address.
type Endpoint struct {
	Scheme  string
	Address string
	BaseURL string
}

const unixBaseURL = "http://unix"

// Manager returns the well-known manager daemon socket for an engine.
func Manager(engineName string) Endpoint {
	return Endpoint{Scheme: "unix", Address: paths.ManagerSocket(engineName), BaseURL: unixBaseURL}
}

// Resolve parses a socket address as containerd passes it: either a
// unix:// URL or an absolute path. An empty value resolves to fallback.
func Resolve(raw string, fallback Endpoint) (Endpoint, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		if fallback.Address == "" {
			return Endpoint{}, fmt.Errorf("no endpoint provided")
		}
		return fallback, nil
	}

	switch {
	case strings.HasPrefix(value, "unix://"):
		path := strings.TrimPrefix(value, "unix://")
		if path == "" {
			return Endpoint{}, fmt.Errorf("invalid unix endpoint %q", value)
		}
		return Endpoint{Scheme: "unix", Address: path, BaseURL: unixBaseURL}, nil
	case strings.HasPrefix(value, "/"):
		return Endpoint{Scheme: "unix", Address: value, BaseURL: unixBaseURL}, nil
	default:
		return Endpoint{}, fmt.Errorf("unsupported endpoint %q (expected unix:// or absolute unix socket path)", value)
	}
}

func (e Endpoint) String() string {
	return e.Scheme + "://" + e.Address
}
