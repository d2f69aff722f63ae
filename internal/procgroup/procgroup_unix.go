//go:build !windows

// Package procgroup starts child processes outside the terminal's process
// group, so Ctrl+C reaches only screenrelay and children are stopped in order
// by their owner.
package procgroup

import (
	"os/exec"
	"syscall"
)

// Detach puts cmd in a new process group. Call it before cmd.Start.
func Detach(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}
