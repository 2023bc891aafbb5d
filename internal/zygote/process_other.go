//go:build !linux

package zygote

import (
	"errors"
	"os"
)

func Start(Options) (*Process, error) {
	return nil, errors.New("zygote: only supported on linux")
}

func Init() bool {
	return false
}

func isProcessDone(err error) bool {
	return errors.Is(err, os.ErrProcessDone)
}
