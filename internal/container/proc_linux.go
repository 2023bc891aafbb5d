//go:build linux

package container

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
)

type procStat struct {
	State     byte
	StartTime uint64
}

func readProcStat(pid int) (procStat, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return procStat{}, err
	}
	return parseProcStat(data)
}

// parseProcStat reads the state and starttime fields of /proc/<pid>/stat.
// The command name may contain spaces and parentheses, so parsing starts
// after the last ')'.
func parseProcStat(data []byte) (procStat, error) {
	end := bytes.LastIndexByte(data, ')')
	if end < 0 || end+2 >= len(data) {
		return procStat{}, fmt.Errorf("malformed stat line %q", data)
	}
	fields := bytes.Fields(data[end+2:])
	if len(fields) < 20 || len(fields[0]) != 1 {
		return procStat{}, fmt.Errorf("malformed stat line %q", data)
	}
	start, err := strconv.ParseUint(string(fields[19]), 10, 64)
	if err != nil {
		return procStat{}, fmt.Errorf("parse starttime: %w", err)
	}
	return procStat{State: fields[0][0], StartTime: start}, nil
}

// owned reports whether pid still refers to the process recorded at build
// time. A zombie that has not been reaped yet is still owned.
func owned(pid int, startTime uint64) (procStat, bool) {
	if pid <= 0 {
		return procStat{}, false
	}
	stat, err := readProcStat(pid)
	if err != nil {
		return procStat{}, false
	}
	if startTime != 0 && stat.StartTime != startTime {
		return procStat{}, false
	}
	return stat, true
}

func running(pid int, startTime uint64) bool {
	stat, ok := owned(pid, startTime)
	return ok && stat.State != 'Z' && stat.State != 'X'
}
