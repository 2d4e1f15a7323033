//go:build !unix

package process

import "os/exec"

// setProcessGroup is a no-op; CommandContext kills the direct child only.
func setProcessGroup(cmd *exec.Cmd) {}
