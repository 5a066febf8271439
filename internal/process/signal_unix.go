//go:build !windows

package process

import "syscall"

func sendSignal(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

func processExists(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
