package process

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/autofab/internal/testutil/testlog"
)

func newTestSpawner(t *testing.T) *Spawner {
	t.Helper()
	dir := t.TempDir()
	s := NewSpawner(filepath.Join(dir, "logs"), dir)
	s.LocalName = "node"
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("pid %d did not exit", h.PID())
	}
}

func TestLogPathLayout(t *testing.T) {
	testlog.Start(t)
	s := &Spawner{LogDir: "logs", LocalName: "builder"}
	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	got := s.LogPath("10.0.0.4", ts)
	want := filepath.Join("logs", "10.0.0.4-builder-2024-03-09_14-05-07.log")
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestSpawnCapturesOutput(t *testing.T) {
	testlog.Start(t)
	s := newTestSpawner(t)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	h, err := s.Spawn(Launch{Host: "peer", Tokens: []string{"sh", "-c", "echo out; echo err 1>&2"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	waitDone(t, h)

	raw, err := os.ReadFile(s.LogPath("peer", fixed))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(raw), "out") || !strings.Contains(string(raw), "err") {
		t.Fatalf("expected stdout and stderr in log, got %q", raw)
	}
}

func TestSpawnUsesWorkDir(t *testing.T) {
	testlog.Start(t)
	s := newTestSpawner(t)
	h, err := s.Spawn(Launch{Host: "peer", Tokens: []string{"touch", "marker"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	waitDone(t, h)
	if _, err := os.Stat(filepath.Join(s.WorkDir, "marker")); err != nil {
		t.Fatalf("expected marker in work dir: %v", err)
	}
}

func TestSpawnDoesNotInterpretShellSyntax(t *testing.T) {
	testlog.Start(t)
	s := newTestSpawner(t)
	h, err := s.Spawn(Launch{Host: "peer", Tokens: []string{"touch", "a;touch", "b"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	waitDone(t, h)
	if _, err := os.Stat(filepath.Join(s.WorkDir, "a;touch")); err != nil {
		t.Fatalf("expected literal file name: %v", err)
	}
}

func TestSpawnFailures(t *testing.T) {
	testlog.Start(t)
	s := newTestSpawner(t)

	tests := []struct {
		name   string
		tokens []string
	}{
		{name: "empty", tokens: nil},
		{name: "blank program", tokens: []string{""}},
		{name: "missing program", tokens: []string{"/definitely/not/a/program"}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Spawn(Launch{Host: "peer", Tokens: tc.tokens}); !errors.Is(err, ErrSpawn) {
				t.Fatalf("expected ErrSpawn, got %v", err)
			}
		})
	}
}

func TestExitedCallbackReportsStatus(t *testing.T) {
	testlog.Start(t)
	s := newTestSpawner(t)
	codes := make(chan int, 1)
	s.Exited = func(_ *Handle, l Launch, code int) {
		if l.Host != "peer" {
			t.Errorf("unexpected host %q", l.Host)
		}
		codes <- code
	}
	if _, err := s.Spawn(Launch{Host: "peer", Tokens: []string{"sh", "-c", "exit 3"}}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	select {
	case code := <-codes:
		if code != 3 {
			t.Fatalf("expected exit code 3, got %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("exit callback not called")
	}
}

func TestTerminateAllGraceful(t *testing.T) {
	testlog.Start(t)
	s := newTestSpawner(t)
	reg := NewRegistry(2 * time.Second)
	for i := 0; i < 3; i++ {
		h, err := s.Spawn(Launch{Host: "peer", Tokens: []string{"sleep", "30"}})
		if err != nil {
			t.Fatalf("spawn: %v", err)
		}
		reg.Track(h)
	}
	if reg.Alive() != 3 || len(reg.PIDs()) != 3 {
		t.Fatalf("expected 3 live handles, got %d", reg.Alive())
	}

	res := reg.TerminateAll(false)
	if res.Signaled != 3 || res.Pruned != 3 || res.Remaining != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Len())
	}
}

func TestTerminateAllKeepsSurvivorsUntilForced(t *testing.T) {
	testlog.Start(t)
	s := newTestSpawner(t)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	reg := NewRegistry(200 * time.Millisecond)

	h, err := s.Spawn(Launch{Host: "stubborn", Tokens: []string{"sh", "-c", `trap "" TERM; echo ready; exec sleep 30`}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	reg.Track(h)
	waitFor(t, 5*time.Second, func() bool {
		raw, _ := os.ReadFile(s.LogPath("stubborn", fixed))
		return strings.Contains(string(raw), "ready")
	})

	res := reg.TerminateAll(false)
	if res.Signaled != 1 || res.Remaining != 1 {
		t.Fatalf("expected survivor after graceful pass, got %+v", res)
	}
	if !h.Alive() {
		t.Fatalf("child ignoring SIGTERM should still be alive")
	}

	res = reg.TerminateAll(true)
	if res.Signaled != 1 || res.Pruned != 1 || res.Remaining != 0 {
		t.Fatalf("unexpected forced result %+v", res)
	}
	if ExitCode(h.Err()) != -1 {
		t.Fatalf("expected signaled exit, got %v", h.Err())
	}
}

func TestTerminateAllPrunesExited(t *testing.T) {
	testlog.Start(t)
	s := newTestSpawner(t)
	reg := NewRegistry(time.Second)
	h, err := s.Spawn(Launch{Host: "peer", Tokens: []string{"true"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	reg.Track(h)
	waitDone(t, h)

	if err := h.Terminate(false); err != nil {
		t.Fatalf("terminate on exited child: %v", err)
	}
	res := reg.TerminateAll(false)
	if res.Signaled != 0 || res.Pruned != 1 || res.Remaining != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestTerminateAllOnEmptyRegistry(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry(time.Second)
	if res := reg.TerminateAll(true); res != (TerminateResult{}) {
		t.Fatalf("expected zero result, got %+v", res)
	}
}
