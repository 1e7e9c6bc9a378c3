//go:build windows

package process

import (
	"os/exec"
	"strconv"
	"syscall"
)

const processQueryLimitedInformation = 0x1000

// terminateGroup asks pid and its descendants to exit.
func terminateGroup(pid int) error {
	// #nosec G204
	_ = exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T").Run()
	return nil
}

// killGroup forcefully terminates pid and its descendants.
func killGroup(pid int) error {
	// #nosec G204
	out, err := exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T", "/F").CombinedOutput()
	if err != nil && processExists(pid) {
		return &killError{pid: pid, out: string(out), err: err}
	}
	return nil
}

// processExists reports whether pid refers to a live process.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	defer func() { _ = syscall.CloseHandle(h) }()
	var code uint32
	if err := syscall.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	const stillActive = 259
	return code == stillActive
}

type killError struct {
	pid int
	out string
	err error
}

func (e *killError) Error() string {
	return "taskkill " + strconv.Itoa(e.pid) + ": " + e.err.Error() + ": " + e.out
}

func (e *killError) Unwrap() error { return e.err }
