//go:build windows

package process

import "syscall"

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const (
	processTerminate        = 0x0001
	processQueryInformation = 0x0400
)

// sendSignal emulates POSIX signal delivery on Windows: signal 0 checks
// liveness, any other value terminates the process. Windows has no
// process-group signal primitive comparable to a negative pid, so group
// delivery degrades to terminating the single tracked pid.
func sendSignal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if sig == 0 {
		return checkProcessExists(pid)
	}

	handle, err := openProcess(processTerminate, false, uint32(pid))
	if err != nil {
		// Already gone; treat as a successful termination.
		return nil
	}
	defer closeHandle(handle)

	ret, _, err := procTerminateProcess.Call(uintptr(handle), uintptr(1))
	if ret == 0 {
		return err
	}
	return nil
}

func checkProcessExists(pid int) error {
	handle, err := openProcess(processQueryInformation, false, uint32(pid))
	if err != nil {
		return err
	}
	defer closeHandle(handle)
	return nil
}

func processExists(pid int) bool {
	return checkProcessExists(pid) == nil
}

func openProcess(access uint32, inheritHandle bool, processID uint32) (syscall.Handle, error) {
	inherit := 0
	if inheritHandle {
		inherit = 1
	}
	ret, _, err := procOpenProcess.Call(uintptr(access), uintptr(inherit), uintptr(processID))
	if ret == 0 {
		return 0, err
	}
	return syscall.Handle(ret), nil
}

func closeHandle(handle syscall.Handle) error {
	ret, _, err := procCloseHandle.Call(uintptr(handle))
	if ret == 0 {
		return err
	}
	return nil
}
