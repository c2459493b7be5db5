package process

import (
	"sync"
	"time"

	"github.com/danmuck/autofab/internal/logging"
)

const DefaultGrace = 3 * time.Second

// TerminateResult summarizes one TerminateAll pass.
type TerminateResult struct {
	Signaled  int
	Pruned    int
	Remaining int
}

// Registry is the node-wide list of spawned handles. Launches append,
// TerminateAll signals and prunes; both may run concurrently.
type Registry struct {
	mu      sync.Mutex
	handles []*Handle
	grace   time.Duration
}

func NewRegistry(grace time.Duration) *Registry {
	if grace < 0 {
		grace = 0
	}
	return &Registry{grace: grace}
}

func (r *Registry) Track(h *Handle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	r.handles = append(r.handles, h)
	r.mu.Unlock()
}

// Len is the number of tracked handles, dead or alive.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Alive is the number of tracked handles whose child has not exited.
func (r *Registry) Alive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, h := range r.handles {
		if h.Alive() {
			n++
		}
	}
	return n
}

// PIDs lists the process ids of live handles.
func (r *Registry) PIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	pids := make([]int, 0, len(r.handles))
	for _, h := range r.handles {
		if h.Alive() {
			pids = append(pids, h.PID())
		}
	}
	return pids
}

// TerminateAll signals every live handle (SIGTERM, or kill when force),
// waits up to the grace period for exits, then drops every handle whose
// child is gone. Children still running afterwards stay tracked.
func (r *Registry) TerminateAll(force bool) TerminateResult {
	log := logging.Component("process")

	r.mu.Lock()
	snapshot := append([]*Handle(nil), r.handles...)
	r.mu.Unlock()

	var res TerminateResult
	signaled := make([]*Handle, 0, len(snapshot))
	for _, h := range snapshot {
		if !h.Alive() {
			continue
		}
		if err := h.Terminate(force); err != nil {
			log.Warn().Err(err).Int("pid", h.PID()).Bool("force", force).Msg("terminate failed")
			continue
		}
		signaled = append(signaled, h)
	}
	res.Signaled = len(signaled)

	if len(signaled) > 0 && r.grace > 0 {
		timer := time.NewTimer(r.grace)
	wait:
		for _, h := range signaled {
			select {
			case <-h.Done():
			case <-timer.C:
				break wait
			}
		}
		timer.Stop()
	}

	r.mu.Lock()
	kept := r.handles[:0]
	for _, h := range r.handles {
		if h.Alive() {
			kept = append(kept, h)
		}
	}
	res.Pruned = len(r.handles) - len(kept)
	for i := len(kept); i < len(r.handles); i++ {
		r.handles[i] = nil
	}
	r.handles = kept
	res.Remaining = len(kept)
	r.mu.Unlock()

	log.Info().
		Bool("force", force).
		Int("signaled", res.Signaled).
		Int("pruned", res.Pruned).
		Int("remaining", res.Remaining).
		Msg("terminate all")
	return res
}
