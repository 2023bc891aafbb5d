package container

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/buildkite/sandboxshim/internal/codec"
	"github.com/buildkite/sandboxshim/internal/engine"
	"github.com/containerd/errdefs"
)

const (
	stateFileName    = "state.cbor"
	initFileName     = "init.cbor"
	execFifoFileName = "exec.fifo"
)

type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
)

// State is persisted in the container directory and is everything needed to
// drive the container from another process.
type State struct {
	ID     string `cbor:"id"`
	Bundle string `cbor:"bundle"`
	Rootfs string `cbor:"rootfs"`
	Engine string `cbor:"engine"`
	Status Status `cbor:"status"`
	Pid    int    `cbor:"pid"`
	// StartTime is the init process start time in clock ticks since boot,
	// used to tell the init process apart from a later process with the
	// same pid.
	StartTime uint64    `cbor:"start_time"`
	Created   time.Time `cbor:"created"`
}

// initConfig is handed to the container init process.
type initConfig struct {
	Engine  string                `cbor:"engine"`
	Runtime engine.RuntimeContext `cbor:"runtime"`
}

func writeCBOR(path string, v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readCBOR(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return codec.Unmarshal(data, v)
}

func saveState(root string, state State) error {
	if err := writeCBOR(filepath.Join(root, stateFileName), state); err != nil {
		return fmt.Errorf("save container state: %w", err)
	}
	return nil
}

func loadState(root string) (State, error) {
	var state State
	if err := readCBOR(filepath.Join(root, stateFileName), &state); err != nil {
		if os.IsNotExist(err) {
			return State{}, fmt.Errorf("container state in %s: %w", root, errdefs.ErrNotFound)
		}
		return State{}, fmt.Errorf("load container state: %w", err)
	}
	return state, nil
}
