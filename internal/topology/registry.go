package topology

import (
	"log/slog"
	"sync"
	"syscall"

	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/metrics"
)

// Registry tracks every pid the current run has spawned. It backs the
// orphan sweep: if a prior teardown was interrupted, registered pids that
// are still alive can be reaped before the next cell provisions.
type Registry struct {
	mu   sync.Mutex
	pids map[int]string
}

// NewRegistry creates an empty pid registry.
func NewRegistry() *Registry {
	return &Registry{pids: make(map[int]string)}
}

// Add records a spawned pid with its process name.
func (r *Registry) Add(pid int, name string) {
	if pid <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pids[pid] = name
}

// Remove drops a pid after its handle is released.
func (r *Registry) Remove(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pids, pid)
}

// KillStragglers force-kills any registered pid that is still alive and
// clears the registry. Errors mean the process is already gone and are
// ignored.
func (r *Registry) KillStragglers(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for pid, name := range r.pids {
		// Signal 0 probes liveness without affecting the process.
		if err := syscall.Kill(pid, 0); err != nil {
			delete(r.pids, pid)
			continue
		}
		logger.Warn("killing straggler process",
			slog.Int("pid", pid),
			slog.String("process", name))
		_ = syscall.Kill(pid, syscall.SIGKILL)
		metrics.RecordOrphanKilled()
		delete(r.pids, pid)
	}
}
