// Package topology starts and stops the server processes (and optional
// round-robin proxy) backing one sweep cell, and guarantees none of them
// outlive the cell.
package topology

import (
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ProcessHandle is an opaque handle to one spawned process. A handle is
// owned by exactly one Topology and released at most once; Release is
// idempotent by construction.
type ProcessHandle struct {
	name string
	port int
	cmd  *exec.Cmd
	done chan error

	mu       sync.Mutex
	released bool
}

// newProcessHandle wraps a started command. The wait goroutine is the only
// caller of cmd.Wait, so Release can block on it safely.
func newProcessHandle(name string, port int, cmd *exec.Cmd) *ProcessHandle {
	h := &ProcessHandle{
		name: name,
		port: port,
		cmd:  cmd,
		done: make(chan error, 1),
	}
	go func() {
		h.done <- cmd.Wait()
	}()
	return h
}

// Pid returns the OS process ID, or zero if the process never started.
func (h *ProcessHandle) Pid() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Port returns the TCP port the process was configured to bind.
func (h *ProcessHandle) Port() int {
	return h.port
}

// Release terminates the process gracefully, force-killing after the grace
// period. Calling Release on an already-released or already-exited handle is
// a no-op.
func (h *ProcessHandle) Release(grace time.Duration, logger *slog.Logger) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()

	if h.cmd == nil || h.cmd.Process == nil {
		return
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone; nothing left to do.
		logger.Debug("terminate signal failed",
			slog.String("process", h.name),
			slog.Int("pid", h.Pid()),
			slog.String("error", err.Error()))
		return
	}

	select {
	case <-h.done:
		return
	case <-time.After(grace):
	}

	logger.Warn("process did not exit gracefully, killing",
		slog.String("process", h.name),
		slog.Int("pid", h.Pid()))
	if err := h.cmd.Process.Kill(); err != nil {
		logger.Debug("kill failed",
			slog.String("process", h.name),
			slog.String("error", err.Error()))
		return
	}

	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		logger.Warn("process still not reaped after kill",
			slog.String("process", h.name),
			slog.Int("pid", h.Pid()))
	}
}
