//go:build !unix

package steps

import (
	"os/exec"
	"time"
)

func configureProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	if grace > 0 {
		cmd.WaitDelay = grace
	}
}
