//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the child in a new process group so a signal
// sent to -pid reaches it and its descendants together (spec §4.1
// "Reaping guarantees"). When spec.Detached is set the child additionally
// starts a new session, detaching it from the supervisor's controlling
// terminal.
func configureSysProcAttr(cmd *exec.Cmd, spec Spec) {
	attrs := &syscall.SysProcAttr{}
	if spec.Detached {
		attrs.Setsid = true
	} else {
		attrs.Setpgid = true
	}
	cmd.SysProcAttr = attrs
}
