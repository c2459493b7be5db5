package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/danmuck/autofab/internal/logging"
)

const logTimestampLayout = "2006-01-02_15-04-05"

// Launch is one command to start on behalf of a requesting host.
type Launch struct {
	Host   string
	Tokens []string
}

// Spawner starts children with the working directory and log layout of one node.
type Spawner struct {
	// LogDir receives <host>-<local>-<timestamp>.log per launch.
	LogDir string
	// WorkDir is the child's working directory; empty inherits the node's.
	WorkDir string
	// LocalName is the middle component of log file names.
	LocalName string
	// Exited, when set, is called from the waiter after the child is reaped.
	Exited func(h *Handle, l Launch, exitCode int)

	now func() time.Time
}

func NewSpawner(logDir, workDir string) *Spawner {
	local, err := os.Hostname()
	if err != nil || local == "" {
		local = "localhost"
	}
	return &Spawner{LogDir: logDir, WorkDir: workDir, LocalName: local, now: time.Now}
}

// LogPath names the capture file for a launch started at ts.
func (s *Spawner) LogPath(host string, ts time.Time) string {
	name := fmt.Sprintf("%s-%s-%s.log", host, s.LocalName, ts.Format(logTimestampLayout))
	return filepath.Join(s.LogDir, name)
}

// Spawn starts l.Tokens[0] with the remaining tokens as arguments. Output
// is appended to the per-launch log file. No shell interpretation occurs.
func (s *Spawner) Spawn(l Launch) (*Handle, error) {
	if len(l.Tokens) == 0 || l.Tokens[0] == "" {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, ErrEmptyCommand)
	}
	log := logging.Component("process")

	if err := os.MkdirAll(s.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: log dir: %v", ErrSpawn, err)
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	path := s.LogPath(l.Host, now())
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open log %s: %v", ErrSpawn, path, err)
	}

	cmd := exec.Command(l.Tokens[0], l.Tokens[1:]...)
	cmd.Dir = s.WorkDir
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		_ = out.Close()
		log.Warn().Err(err).Str("host", l.Host).Str("program", l.Tokens[0]).Msg("spawn failed")
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, l.Tokens[0], err)
	}

	h := newHandle(cmd)
	log.Info().
		Str("host", l.Host).
		Str("program", l.Tokens[0]).
		Int("pid", h.PID()).
		Str("log", path).
		Msg("process started")

	go func() {
		h.wait()
		_ = out.Close()
		code := ExitCode(h.err)
		log.Debug().Int("pid", h.PID()).Int("exit_code", code).Msg("process exited")
		if s.Exited != nil {
			s.Exited(h, l, code)
		}
	}()
	return h, nil
}

// ExitCode maps a wait error to a shell-style status: 0 on success, the
// child's status when it exited, -1 when it was signaled.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}
