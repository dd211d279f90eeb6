package topology

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/grid"
	"github.com/mlx-throughput-lab/mlx-throughput-lab/pkg/models"
)

const (
	flagDecodeConcurrency = "--decode-concurrency"
	flagPromptConcurrency = "--prompt-concurrency"

	proxyBindTimeout = 20 * time.Second
	pollInterval     = 500 * time.Millisecond
)

// ServerInstanceSpec describes one server process for a cell. Specs are
// constructed by the provisioner and never mutated afterwards.
type ServerInstanceSpec struct {
	Host              string
	Port              int
	Model             string
	DecodeConcurrency int
	PromptConcurrency int
	ExtraArgs         grid.ArgSet
}

// CommandArgs builds the argument list for mlx_lm.server. The sweep-managed
// concurrency flags are injected only when the user-supplied extra args do
// not already carry them, so a flag never appears twice.
func (s ServerInstanceSpec) CommandArgs() []string {
	args := []string{
		"-m", "mlx_lm", "server",
		"--host", s.Host,
		"--port", strconv.Itoa(s.Port),
		"--model", s.Model,
	}
	if s.DecodeConcurrency > 0 && !s.ExtraArgs.Has(flagDecodeConcurrency) {
		args = append(args, fmt.Sprintf("%s=%d", flagDecodeConcurrency, s.DecodeConcurrency))
	}
	if s.PromptConcurrency > 0 && !s.ExtraArgs.Has(flagPromptConcurrency) {
		args = append(args, fmt.Sprintf("%s=%d", flagPromptConcurrency, s.PromptConcurrency))
	}
	return append(args, s.ExtraArgs.Tokens()...)
}

// Config holds everything the provisioner needs to stand up a topology.
type Config struct {
	Model     string
	Host      string
	BasePort  int
	ProxyPort int
	PythonBin string
	NginxBin  string

	BindTimeout   time.Duration
	ReadyTimeout  time.Duration
	StartupDelay  time.Duration
	TeardownGrace time.Duration

	ServerArgs grid.ArgSet
}

// Provisioner starts and health-checks the server topology for one cell at
// a time.
type Provisioner struct {
	cfg      Config
	logger   *slog.Logger
	registry *Registry
	probe    *http.Client
}

// NewProvisioner creates a provisioner backed by a run-scoped pid registry.
func NewProvisioner(cfg Config, registry *Registry, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Provisioner{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		probe:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Topology is the set of processes serving one cell, plus the endpoint the
// load generator should target. The topology owns every handle it holds and
// is solely responsible for releasing them.
type Topology struct {
	endpoint string

	instances []*ProcessHandle
	proxy     *ProcessHandle
	proxyDir  string
	ports     []int

	grace    time.Duration
	registry *Registry
	logger   *slog.Logger
	tornDown bool
}

// Provision spawns cell.Instances server processes (plus a round-robin
// proxy when more than one), waits for every one to become ready, and
// returns the live topology. On any failure every already-started process
// is torn down before the error is returned.
func (p *Provisioner) Provision(ctx context.Context, cell grid.Cell) (*Topology, error) {
	if p.cfg.Model == "" {
		return nil, fmt.Errorf("model identifier is not set")
	}

	ports := make([]int, 0, cell.Instances+1)
	for i := 0; i < cell.Instances; i++ {
		ports = append(ports, p.cfg.BasePort+i)
	}
	if cell.Instances > 1 {
		ports = append(ports, p.cfg.ProxyPort)
	}

	// Reap anything a previous crashed run may have left on our ports.
	p.registry.KillStragglers(p.logger)
	SweepOrphanPorts(ports, p.logger)

	topo := &Topology{
		ports:    ports,
		grace:    p.cfg.TeardownGrace,
		registry: p.registry,
		logger:   p.logger,
	}

	for i := 0; i < cell.Instances; i++ {
		spec := ServerInstanceSpec{
			Host:              p.cfg.Host,
			Port:              p.cfg.BasePort + i,
			Model:             p.cfg.Model,
			DecodeConcurrency: cell.DecodeConcurrency,
			PromptConcurrency: cell.PromptConcurrency,
			ExtraArgs:         p.cfg.ServerArgs,
		}
		handle, err := p.spawnInstance(spec)
		if err != nil {
			topo.Teardown()
			return nil, fmt.Errorf("failed to start instance %d: %w", i, err)
		}
		topo.instances = append(topo.instances, handle)

		if p.cfg.StartupDelay > 0 && i < cell.Instances-1 {
			time.Sleep(p.cfg.StartupDelay)
		}
	}

	for _, handle := range topo.instances {
		if err := p.waitReady(ctx, p.cfg.Host, handle.Port()); err != nil {
			topo.Teardown()
			return nil, err
		}
	}

	if cell.Instances > 1 {
		if err := p.startProxy(topo); err != nil {
			topo.Teardown()
			return nil, err
		}
		topo.endpoint = fmt.Sprintf("http://%s:%d", p.cfg.Host, p.cfg.ProxyPort)
	} else {
		topo.endpoint = fmt.Sprintf("http://%s:%d", p.cfg.Host, p.cfg.BasePort)
	}

	p.logger.Info("topology ready",
		slog.Int("instances", cell.Instances),
		slog.String("endpoint", topo.endpoint))
	return topo, nil
}

// Endpoint returns the base URL the load generator should target: the proxy
// for multi-instance cells, the single instance otherwise.
func (t *Topology) Endpoint() string {
	return t.endpoint
}

// spawnInstance starts one mlx_lm.server process.
func (p *Provisioner) spawnInstance(spec ServerInstanceSpec) (*ProcessHandle, error) {
	cmd := exec.Command(p.cfg.PythonBin, spec.CommandArgs()...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	handle := newProcessHandle("mlx_lm.server", spec.Port, cmd)
	p.registry.Add(handle.Pid(), "mlx_lm.server")
	p.logger.Debug("started server instance",
		slog.Int("pid", handle.Pid()),
		slog.Int("port", spec.Port))
	return handle, nil
}

// startProxy writes a round-robin nginx configuration and spawns nginx in
// the foreground, bound to the topology's lifecycle.
func (p *Provisioner) startProxy(topo *Topology) error {
	nginxBin := p.cfg.NginxBin
	if nginxBin == "" {
		nginxBin = "nginx"
	}
	if _, err := exec.LookPath(nginxBin); err != nil {
		return fmt.Errorf("nginx binary not found (install nginx or set NGINX_BIN): %w", err)
	}

	dir, err := os.MkdirTemp("", "sweeplab-nginx-")
	if err != nil {
		return fmt.Errorf("failed to create nginx config dir: %w", err)
	}
	topo.proxyDir = dir

	upstreams := make([]Upstream, 0, len(topo.instances))
	for _, handle := range topo.instances {
		upstreams = append(upstreams, Upstream{Host: p.cfg.Host, Port: handle.Port()})
	}

	confPath := filepath.Join(dir, "nginx.conf")
	conf := renderNginxConfig(dir, upstreams, p.cfg.Host, p.cfg.ProxyPort)
	if err := os.WriteFile(confPath, []byte(conf), 0o644); err != nil {
		return fmt.Errorf("failed to write nginx config: %w", err)
	}

	cmd := exec.Command(nginxBin, "-c", confPath, "-p", dir, "-g", "daemon off;")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start nginx: %w", err)
	}

	topo.proxy = newProcessHandle("nginx", p.cfg.ProxyPort, cmd)
	p.registry.Add(topo.proxy.Pid(), "nginx")

	if err := waitForPort(p.cfg.Host, p.cfg.ProxyPort, proxyBindTimeout); err != nil {
		return fmt.Errorf("nginx did not bind port %d: %w", p.cfg.ProxyPort, err)
	}

	p.logger.Debug("started round-robin proxy",
		slog.Int("pid", topo.proxy.Pid()),
		slog.Int("port", p.cfg.ProxyPort),
		slog.Int("upstreams", len(upstreams)))
	return nil
}

// waitReady blocks until the instance is serving: first until its health
// surface answers, then until a one-token completion succeeds, so model
// load time never leaks into the measured phase.
func (p *Provisioner) waitReady(ctx context.Context, host string, port int) error {
	if err := p.waitListening(ctx, host, port); err != nil {
		return fmt.Errorf("server did not become ready at %s:%d within %s: %w "+
			"(check the port is free and the model loads in time)",
			host, port, p.cfg.BindTimeout, err)
	}
	if err := p.waitCompletionReady(ctx, host, port); err != nil {
		return fmt.Errorf("model did not become ready at %s:%d: %w", host, port, err)
	}
	return nil
}

// waitListening polls /health then /v1/models until one answers. A 404
// still proves the server is listening on older builds without /health.
func (p *Provisioner) waitListening(ctx context.Context, host string, port int) error {
	deadline := time.Now().Add(p.cfg.BindTimeout)
	var lastErr error

	urls := []string{
		fmt.Sprintf("http://%s:%d/health", host, port),
		fmt.Sprintf("http://%s:%d/v1/models", host, port),
	}

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, url := range urls {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := p.probe.Do(req)
			if err != nil {
				lastErr = err
				continue
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound {
				return nil
			}
			lastErr = fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
		}
		time.Sleep(pollInterval)
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("bind timeout elapsed")
	}
	return lastErr
}

// waitCompletionReady posts one-token completions until the model answers.
// 503 means the model is still loading; anything else non-200 is fatal.
func (p *Provisioner) waitCompletionReady(ctx context.Context, host string, port int) error {
	deadline := time.Now().Add(p.cfg.ReadyTimeout)
	url := fmt.Sprintf("http://%s:%d/v1/chat/completions", host, port)

	payload, err := json.Marshal(models.ChatCompletionRequest{
		Messages:    []models.ChatMessage{{Role: "user", Content: "ping"}},
		MaxTokens:   1,
		Temperature: 0,
	})
	if err != nil {
		return err
	}

	var lastErr error
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.probe.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(pollInterval)
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return nil
		case resp.StatusCode == http.StatusServiceUnavailable:
			lastErr = fmt.Errorf("model still loading")
			time.Sleep(pollInterval)
		default:
			return fmt.Errorf("completion probe failed (HTTP %d): %s", resp.StatusCode, body)
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("ready timeout elapsed")
	}
	return lastErr
}

// waitForPort polls a TCP connect until the port accepts.
func waitForPort(host string, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var lastErr error

	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
		time.Sleep(200 * time.Millisecond)
	}
	return lastErr
}

// Teardown stops every process the topology owns: proxy first, then the
// instances, then a best-effort sweep of the expected ports. Teardown is
// idempotent and never fails; a process that is already gone is simply
// skipped.
func (t *Topology) Teardown() {
	if t.tornDown {
		return
	}
	t.tornDown = true

	if t.proxy != nil {
		t.proxy.Release(t.grace, t.logger)
		t.registry.Remove(t.proxy.Pid())
	}
	for _, handle := range t.instances {
		handle.Release(t.grace, t.logger)
		t.registry.Remove(handle.Pid())
	}

	if t.proxyDir != "" {
		if err := os.RemoveAll(t.proxyDir); err != nil {
			t.logger.Debug("failed to remove nginx config dir",
				slog.String("dir", t.proxyDir),
				slog.String("error", err.Error()))
		}
	}

	SweepOrphanPorts(t.ports, t.logger)
}
