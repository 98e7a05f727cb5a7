package scriptproc

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotRunning indicates the script's stdin is closed or the process has exited.
var ErrNotRunning = errors.New("script process not running")

// SpawnError reports that the OS process could not be created.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	if e == nil {
		return "spawn failed"
	}
	if e.Err == nil {
		return fmt.Sprintf("spawn %s failed", e.Command)
	}
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IOError reports a failed pipe operation towards the script.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	if e == nil {
		return "script io error"
	}
	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "io"
	}
	if e.Err == nil {
		return fmt.Sprintf("script %s failed", op)
	}
	return fmt.Sprintf("script %s: %v", op, e.Err)
}

func (e *IOError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ExitError describes how a script process terminated.
type ExitError struct {
	Code   int
	Signal string
	Err    error
}

// Clean reports whether the process exited with status 0 and no signal.
func (e *ExitError) Clean() bool {
	return e != nil && e.Err == nil && e.Code == 0 && e.Signal == ""
}

func (e *ExitError) Error() string {
	if e == nil {
		return "script exited"
	}
	switch {
	case e.Err != nil:
		return fmt.Sprintf("script wait failed: %v", e.Err)
	case e.Signal != "":
		return fmt.Sprintf("script killed by signal %s", e.Signal)
	default:
		return fmt.Sprintf("script exited with code %d", e.Code)
	}
}

func (e *ExitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
