package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/config"
	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/grid"
	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/topology"
)

var (
	serversInstances     int
	serversDecode        int
	serversPrompt        int
	serversStopInstances int
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Start or stop a server topology outside a sweep",
	Long: `Start a fixed server topology for ad-hoc testing, or stop whatever
is still listening on the configured ports.`,
}

var serversStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start server instances and block until interrupted",
	RunE:  runServersStart,
}

var serversStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Kill any server processes left on the configured ports",
	RunE:  runServersStop,
}

func init() {
	rootCmd.AddCommand(serversCmd)
	serversCmd.AddCommand(serversStartCmd)
	serversCmd.AddCommand(serversStopCmd)

	serversStartCmd.Flags().IntVar(&serversInstances, "instances", 1, "Number of server instances")
	serversStartCmd.Flags().IntVar(&serversDecode, "decode-concurrency", 64, "Decode concurrency per instance")
	serversStartCmd.Flags().IntVar(&serversPrompt, "prompt-concurrency", 8, "Prompt concurrency per instance")

	serversStopCmd.Flags().IntVar(&serversStopInstances, "instances", 0,
		"Sweep ports for this many instances (default: the widest configured instance axis value)")
}

func runServersStart(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireModel(); err != nil {
		return err
	}
	if serversInstances < 1 {
		return fmt.Errorf("instances must be at least 1")
	}

	// Fail before spawning anything when the proxy can't start.
	if serversInstances > 1 {
		nginxBin := cfg.Server.NginxBin
		if nginxBin == "" {
			nginxBin = "nginx"
		}
		if _, err := exec.LookPath(nginxBin); err != nil {
			return fmt.Errorf("nginx binary not found (install nginx or set NGINX_BIN): %w", err)
		}
	}

	registry := topology.NewRegistry()
	provisioner := topology.NewProvisioner(topologyConfig(cfg), registry, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cell := grid.Cell{
		Instances:         serversInstances,
		DecodeConcurrency: serversDecode,
		PromptConcurrency: serversPrompt,
	}
	topo, err := provisioner.Provision(ctx, cell)
	if err != nil {
		return err
	}

	fmt.Printf("Topology ready: %d instance(s) at %s\n", serversInstances, topo.Endpoint())
	fmt.Println("Press Ctrl+C to stop.")

	<-ctx.Done()
	topo.Teardown()
	registry.KillStragglers(logger)
	return nil
}

func runServersStop(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ports, err := stopPortRange(cfg, serversStopInstances)
	if err != nil {
		return err
	}

	// Safe to run when nothing is listening; unknown port owners are left
	// alone.
	topology.SweepOrphanPorts(ports, logger)
	fmt.Println("Stopped any server processes on the configured ports.")
	return nil
}

// stopPortRange lists every port a topology may still hold: one base port
// per instance plus the proxy port. A zero instance count falls back to the
// widest configured instance axis value, so a topology started with an
// explicit --instances needs the same count passed to stop.
func stopPortRange(cfg *config.Config, instances int) ([]int, error) {
	if instances < 1 {
		g, err := cfg.BuildGrid()
		if err != nil {
			return nil, err
		}
		for _, n := range g.Instances {
			if n > instances {
				instances = n
			}
		}
		if instances < 1 {
			instances = 1
		}
	}

	ports := make([]int, 0, instances+1)
	for i := 0; i < instances; i++ {
		ports = append(ports, cfg.Server.BasePort+i)
	}
	return append(ports, cfg.Server.ProxyPort), nil
}
