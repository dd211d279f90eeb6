package topology

import (
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/metrics"
)

// processFamilies are the substrings a port owner's command name must match
// before the sweep will kill it. Matching by name is best-effort; the pid
// registry covers processes this run spawned itself.
var processFamilies = []string{"mlx", "python", "nginx"}

// SweepOrphanPorts looks up the process currently listening on each expected
// port and kills it when its name matches a known server family. This is a
// safety net against orphans left behind by a prior crashed run; every step
// is best-effort and failures are only logged.
func SweepOrphanPorts(ports []int, logger *slog.Logger) {
	for _, port := range ports {
		pid, ok := listeningPid(port)
		if !ok {
			continue
		}
		name := processName(pid)
		if !matchesFamily(name) {
			logger.Warn("port is held by an unrecognized process, leaving it alone",
				slog.Int("port", port),
				slog.Int("pid", pid),
				slog.String("process", name))
			continue
		}
		logger.Warn("killing orphan process holding expected port",
			slog.Int("port", port),
			slog.Int("pid", pid),
			slog.String("process", name))
		_ = syscall.Kill(pid, syscall.SIGKILL)
		metrics.RecordOrphanKilled()
	}
}

// listeningPid queries the OS for the pid bound to a TCP port.
func listeningPid(port int) (int, bool) {
	out, err := exec.Command("lsof", "-nP", "-t", "-iTCP:"+strconv.Itoa(port), "-sTCP:LISTEN").Output()
	if err != nil {
		return 0, false
	}
	first := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	pid, err := strconv.Atoi(first)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processName returns the command name for a pid, or empty if unavailable.
func processName(pid int) string {
	out, err := exec.Command("ps", "-o", "comm=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func matchesFamily(name string) bool {
	lower := strings.ToLower(name)
	for _, family := range processFamilies {
		if strings.Contains(lower, family) {
			return true
		}
	}
	return false
}
