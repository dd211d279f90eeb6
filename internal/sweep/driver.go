// Package sweep walks a parameter grid one cell at a time: provision the
// server topology, warm it up, measure throughput, tear it down, record the
// result.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/grid"
	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/loadgen"
	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/metrics"
	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/results"
	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/topology"
	"github.com/mlx-throughput-lab/mlx-throughput-lab/pkg/models"
)

// Topology is the running server set for one cell. Teardown must be safe to
// call more than once.
type Topology interface {
	Endpoint() string
	Teardown()
}

// Provisioner brings up the server topology for a cell.
type Provisioner interface {
	Provision(ctx context.Context, cell grid.Cell) (Topology, error)
}

// LoadGenerator drives completion requests against one endpoint.
type LoadGenerator interface {
	Warmup(ctx context.Context, count int)
	Run(ctx context.Context, spec loadgen.RunSpec) (loadgen.Result, error)
}

// GeneratorFactory builds a load generator bound to a cell's endpoint.
type GeneratorFactory func(endpoint string) LoadGenerator

// Sink receives one metric record per completed cell.
type Sink interface {
	Append(record results.MetricRecord) error
}

// NewTopologyProvisioner adapts the process-level provisioner to the driver
// interface.
func NewTopologyProvisioner(p *topology.Provisioner) Provisioner {
	return topologyProvisioner{p}
}

type topologyProvisioner struct {
	p *topology.Provisioner
}

func (tp topologyProvisioner) Provision(ctx context.Context, cell grid.Cell) (Topology, error) {
	topo, err := tp.p.Provision(ctx, cell)
	if err != nil {
		return nil, err
	}
	return topo, nil
}

// Config holds the sweep-wide settings the driver needs.
type Config struct {
	Grid           grid.Grid
	Payload        models.ChatCompletionRequest
	WarmupRequests int

	// CellPause is slept between cells so a torn-down topology's ports and
	// memory settle before the next one starts.
	CellPause time.Duration

	// ContinueOnError keeps the sweep going past a failed cell instead of
	// aborting the whole run.
	ContinueOnError bool
}

// Summary is the aggregate outcome of one sweep run.
type Summary struct {
	CellsTotal     int
	CellsCompleted int
	CellsSkipped   int
	Best           results.MetricRecord
	HasBest        bool
	Elapsed        time.Duration
}

// Driver walks the grid strictly sequentially; the only parallelism lives
// inside the load generator.
type Driver struct {
	cfg          Config
	provisioner  Provisioner
	newGenerator GeneratorFactory
	sink         Sink
	tracker      *Tracker
	logger       *slog.Logger
	sleep        func(ctx context.Context, d time.Duration)
	now          func() time.Time
}

// Option configures the driver.
type Option func(*Driver)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) { d.logger = logger }
}

// WithTracker publishes progress through the given tracker.
func WithTracker(t *Tracker) Option {
	return func(d *Driver) { d.tracker = t }
}

// WithSleep overrides the inter-cell pause sleep (used by tests).
func WithSleep(sleep func(ctx context.Context, d time.Duration)) Option {
	return func(d *Driver) { d.sleep = sleep }
}

// NewDriver creates a sweep driver.
func NewDriver(cfg Config, provisioner Provisioner, factory GeneratorFactory, sink Sink, opts ...Option) *Driver {
	d := &Driver{
		cfg:          cfg,
		provisioner:  provisioner,
		newGenerator: factory,
		sink:         sink,
		tracker:      NewTracker(),
		logger:       slog.Default(),
		now:          time.Now,
	}
	d.sleep = func(ctx context.Context, dur time.Duration) {
		timer := time.NewTimer(dur)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Tracker returns the progress tracker the driver publishes to.
func (d *Driver) Tracker() *Tracker {
	return d.tracker
}

// Run walks every cell in grid order. A cell that fails before producing a
// record is skipped; whether the sweep continues past it is governed by
// ContinueOnError. A sink write failure always aborts: silently losing
// measurements is worse than stopping.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	cells := d.cfg.Grid.Cells()
	summary := Summary{CellsTotal: len(cells)}
	start := d.now()
	d.tracker.begin(len(cells), start)

	d.logger.Info("starting sweep",
		slog.Int("cells", len(cells)),
		slog.Bool("continue_on_error", d.cfg.ContinueOnError))

	for i, cell := range cells {
		if err := ctx.Err(); err != nil {
			summary.Elapsed = d.now().Sub(start)
			return summary, err
		}
		if i > 0 && d.cfg.CellPause > 0 {
			d.sleep(ctx, d.cfg.CellPause)
		}

		record, err := d.runCell(ctx, cell)
		if err != nil {
			summary.CellsSkipped++
			d.tracker.cellSkipped()
			if !d.cfg.ContinueOnError {
				summary.Elapsed = d.now().Sub(start)
				return summary, fmt.Errorf("cell %s failed: %w", describeCell(cell), err)
			}
			d.logger.Warn("cell skipped, continuing sweep",
				slog.String("cell", describeCell(cell)),
				slog.String("error", err.Error()))
			continue
		}

		if err := d.sink.Append(record); err != nil {
			summary.Elapsed = d.now().Sub(start)
			return summary, fmt.Errorf("failed to record cell %s: %w", describeCell(cell), err)
		}

		summary.CellsCompleted++
		if !summary.HasBest || record.ThroughputTPS > summary.Best.ThroughputTPS {
			summary.Best = record
			summary.HasBest = true
		}
		metrics.RecordCellCompleted(record.ThroughputTPS, summary.Best.ThroughputTPS)
		d.tracker.cellCompleted(summary.Best)

		d.logger.Info("cell recorded",
			slog.String("cell", describeCell(cell)),
			slog.Float64("throughput_tps", record.ThroughputTPS),
			slog.Int("errors", record.Errors),
			slog.Int("completed", summary.CellsCompleted),
			slog.Int("total", summary.CellsTotal),
			slog.Duration("elapsed", d.now().Sub(start)))
	}

	summary.Elapsed = d.now().Sub(start)
	return summary, nil
}

// runCell takes one cell through its lifecycle. The topology is always torn
// down, whatever the measurement did.
func (d *Driver) runCell(ctx context.Context, cell grid.Cell) (results.MetricRecord, error) {
	logger := d.logger.With(slog.String("cell", describeCell(cell)))
	d.tracker.startCell(cell)

	logger.Info("provisioning topology", slog.Int("total_requests", cell.TotalRequests))
	provStart := d.now()
	topo, err := d.provisioner.Provision(ctx, cell)
	if err != nil {
		metrics.RecordCellSkipped("provisioning")
		return results.MetricRecord{}, fmt.Errorf("provisioning failed: %w", err)
	}
	defer func() {
		d.tracker.setState(StateTearingDown)
		logger.Info("tearing down topology")
		topo.Teardown()
	}()
	metrics.RecordProvisioningDuration(strconv.Itoa(cell.Instances), d.now().Sub(provStart))

	gen := d.newGenerator(topo.Endpoint())

	if d.cfg.WarmupRequests > 0 {
		d.tracker.setState(StateWarmingUp)
		logger.Info("warming up", slog.Int("requests", d.cfg.WarmupRequests))
		gen.Warmup(ctx, d.cfg.WarmupRequests)
	}

	d.tracker.setState(StateMeasuring)
	logger.Info("measuring",
		slog.Int("requests", cell.TotalRequests),
		slog.Int("concurrency", cell.Concurrency))
	result, err := gen.Run(ctx, loadgen.RunSpec{
		TotalRequests: cell.TotalRequests,
		Concurrency:   cell.Concurrency,
		Payload:       d.cfg.Payload,
	})
	if err != nil {
		metrics.RecordCellSkipped("measurement")
		return results.MetricRecord{}, fmt.Errorf("measurement failed: %w", err)
	}

	return results.MetricRecord{
		Instances:         cell.Instances,
		DecodeConcurrency: cell.DecodeConcurrency,
		PromptConcurrency: cell.PromptConcurrency,
		Concurrency:       cell.Concurrency,
		ThroughputTPS:     result.ThroughputTPS(),
		TotalTokens:       result.TotalTokens,
		ElapsedS:          result.Elapsed.Seconds(),
		Errors:            result.Errors,
	}, nil
}

func describeCell(cell grid.Cell) string {
	return fmt.Sprintf("instances=%d decode=%d prompt=%d concurrency=%d",
		cell.Instances, cell.DecodeConcurrency, cell.PromptConcurrency, cell.Concurrency)
}
