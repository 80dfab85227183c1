//go:build !unix

package executor

import (
	"os/exec"
	"syscall"
)

func killGroup(*exec.Cmd) {}

func exitSignal(*exec.ExitError) (syscall.Signal, bool) { return 0, false }
