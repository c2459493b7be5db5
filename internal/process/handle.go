// Package process spawns launched commands and tracks them for bulk termination.
//
// Ownership boundary:
// - child process start with stdout/stderr captured to a per-launch log file
// - live handle tracking (Registry)
// - graceful/forced termination and pruning
//
// Readiness of a spawned child is never observed; Spawn returns once the
// OS has started the process.
package process

import (
	"errors"
	"os"
	"os/exec"
)

var (
	ErrSpawn        = errors.New("process: spawn failed")
	ErrEmptyCommand = errors.New("process: empty command")
)

// Handle is one spawned child. Its exit is observed by a dedicated waiter
// so finished children are reaped and report !Alive.
type Handle struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func newHandle(cmd *exec.Cmd) *Handle {
	return &Handle{cmd: cmd, done: make(chan struct{})}
}

func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Alive reports whether the child has not exited yet.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done is closed once the child has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the wait error after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Terminate requests exit (SIGTERM, or the platform equivalent) or kills
// the child when force is set. Exited children are a no-op.
func (h *Handle) Terminate(force bool) error {
	if !h.Alive() || h.cmd.Process == nil {
		return nil
	}
	var err error
	if force {
		err = h.cmd.Process.Kill()
	} else {
		err = interrupt(h.cmd.Process)
	}
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (h *Handle) wait() {
	h.err = h.cmd.Wait()
	close(h.done)
}
