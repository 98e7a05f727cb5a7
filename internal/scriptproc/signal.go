package scriptproc

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func processGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// killGroup signals the whole process group led by pid, falling back to the
// leader alone when the group is gone.
func killGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func exitFromWait(err error) *ExitError {
	if err == nil {
		return &ExitError{}
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return &ExitError{Code: -1, Err: err}
	}
	result := &ExitError{Code: exitErr.ExitCode()}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		result.Signal = unix.SignalName(status.Signal())
		if result.Signal == "" {
			result.Signal = status.Signal().String()
		}
	}
	return result
}
