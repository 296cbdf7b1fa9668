//go:build unix

package steps

import (
	"os/exec"
	"syscall"
	"time"
)

// configureProcessGroup puts the command in its own process group so
// cancellation reaches the shell and all of its children: SIGTERM first,
// SIGKILL once the grace period has passed.
func configureProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if grace < 0 {
		cmd.Cancel = func() error {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return
	}

	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
			return syscall.Kill(pgid, syscall.SIGKILL)
		}
		go func() {
			time.Sleep(grace)
			// ESRCH from an exited group is harmless.
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}()
		return nil
	}
	// Output pipes held open by orphaned grandchildren must not block Wait.
	cmd.WaitDelay = grace + time.Second
}
