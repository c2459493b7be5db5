//go:build unix

package process

import (
	"os"

	"golang.org/x/sys/unix"
)

func interrupt(p *os.Process) error {
	err := unix.Kill(p.Pid, unix.SIGTERM)
	if err == unix.ESRCH {
		return os.ErrProcessDone
	}
	return err
}
