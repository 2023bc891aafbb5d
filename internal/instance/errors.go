package instance

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// The taxonomy follows containerd so the task service can map errors onto
// its own codes with errdefs.
var (
	ErrInvalidArgument    = errdefs.ErrInvalidArgument
	ErrNotFound           = errdefs.ErrNotFound
	ErrFailedPrecondition = errdefs.ErrFailedPrecondition
)

func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidArgument)
}

func FailedPrecondition(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrFailedPrecondition)
}
