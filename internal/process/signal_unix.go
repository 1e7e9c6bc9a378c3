//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// terminateGroup asks every process in pid's group to exit.
func terminateGroup(pid int) error {
	return ignoreGone(syscall.Kill(-pid, syscall.SIGTERM))
}

// killGroup forcefully kills pid's process group.
func killGroup(pid int) error {
	return ignoreGone(syscall.Kill(-pid, syscall.SIGKILL))
}

// processExists reports whether pid refers to a live process.
func processExists(pid int) bool {
	return pid > 0 && syscall.Kill(pid, 0) == nil
}

func ignoreGone(err error) error {
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
