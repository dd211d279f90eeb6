package sweep

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/grid"
	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/loadgen"
	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/results"
)

type fakeTopology struct {
	endpoint  string
	mu        sync.Mutex
	teardowns int
}

func (f *fakeTopology) Endpoint() string { return f.endpoint }

func (f *fakeTopology) Teardown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns++
}

// fakeProvisioner fails for instance counts listed in failFor and hands out
// fake topologies otherwise.
type fakeProvisioner struct {
	failFor    map[int]bool
	topologies []*fakeTopology
}

func (f *fakeProvisioner) Provision(_ context.Context, cell grid.Cell) (Topology, error) {
	if f.failFor[cell.Instances] {
		return nil, errors.New("nginx binary not found")
	}
	topo := &fakeTopology{endpoint: "http://127.0.0.1:9000"}
	f.topologies = append(f.topologies, topo)
	return topo, nil
}

// fakeGenerator returns a canned result and records warmup counts.
type fakeGenerator struct {
	result  loadgen.Result
	err     error
	warmups int
	specs   []loadgen.RunSpec
}

func (f *fakeGenerator) Warmup(_ context.Context, count int) { f.warmups += count }

func (f *fakeGenerator) Run(_ context.Context, spec loadgen.RunSpec) (loadgen.Result, error) {
	f.specs = append(f.specs, spec)
	return f.result, f.err
}

type memorySink struct {
	records []results.MetricRecord
	err     error
}

func (m *memorySink) Append(record results.MetricRecord) error {
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, record)
	return nil
}

func testGrid() grid.Grid {
	return grid.Grid{
		Instances:          grid.Axis{1, 2},
		Decode:             grid.Axis{64},
		Prompt:             grid.Axis{8},
		Concurrency:        grid.Axis{4, 8},
		RequestsMultiplier: 2,
	}
}

func newTestDriver(cfg Config, p Provisioner, gen LoadGenerator, sink Sink) *Driver {
	return NewDriver(cfg, p, func(string) LoadGenerator { return gen }, sink,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestDriver_RecordsEveryCellInGridOrder(t *testing.T) {
	provisioner := &fakeProvisioner{}
	gen := &fakeGenerator{result: loadgen.Result{
		Elapsed:     2 * time.Second,
		TotalTokens: 100,
	}}
	sink := &memorySink{}

	driver := newTestDriver(Config{Grid: testGrid(), WarmupRequests: 2}, provisioner, gen, sink)

	summary, err := driver.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, summary.CellsTotal)
	assert.Equal(t, 4, summary.CellsCompleted)
	assert.Zero(t, summary.CellsSkipped)

	require.Len(t, sink.records, 4)
	wantOrder := []struct{ instances, concurrency int }{
		{1, 4}, {1, 8}, {2, 4}, {2, 8},
	}
	for i, want := range wantOrder {
		assert.Equal(t, want.instances, sink.records[i].Instances)
		assert.Equal(t, want.concurrency, sink.records[i].Concurrency)
		assert.InDelta(t, 50.0, sink.records[i].ThroughputTPS, 1e-9)
	}

	// Derived request counts flow through to the generator.
	require.Len(t, gen.specs, 4)
	assert.Equal(t, 8, gen.specs[0].TotalRequests)
	assert.Equal(t, 16, gen.specs[1].TotalRequests)

	// Two warmup requests per cell.
	assert.Equal(t, 8, gen.warmups)

	for _, topo := range provisioner.topologies {
		assert.Equal(t, 1, topo.teardowns)
	}
}

func TestDriver_ProvisioningFailureSkipsCell(t *testing.T) {
	provisioner := &fakeProvisioner{failFor: map[int]bool{2: true}}
	gen := &fakeGenerator{result: loadgen.Result{Elapsed: time.Second, TotalTokens: 10}}
	sink := &memorySink{}

	driver := newTestDriver(Config{Grid: testGrid(), ContinueOnError: true}, provisioner, gen, sink)

	summary, err := driver.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.CellsCompleted)
	assert.Equal(t, 2, summary.CellsSkipped)

	// Skipped cells leave no record behind.
	require.Len(t, sink.records, 2)
	for _, record := range sink.records {
		assert.Equal(t, 1, record.Instances)
	}
}

func TestDriver_AbortsWhenContinueOnErrorDisabled(t *testing.T) {
	provisioner := &fakeProvisioner{failFor: map[int]bool{2: true}}
	gen := &fakeGenerator{result: loadgen.Result{Elapsed: time.Second, TotalTokens: 10}}
	sink := &memorySink{}

	driver := newTestDriver(Config{Grid: testGrid()}, provisioner, gen, sink)

	summary, err := driver.Run(context.Background())
	require.Error(t, err)

	// Both single-instance cells completed before the first failure aborted.
	assert.Equal(t, 2, summary.CellsCompleted)
	assert.Equal(t, 1, summary.CellsSkipped)
	assert.Len(t, sink.records, 2)
}

func TestDriver_MeasurementFailureStillTearsDown(t *testing.T) {
	provisioner := &fakeProvisioner{}
	gen := &fakeGenerator{err: errors.New("endpoint vanished")}
	sink := &memorySink{}

	driver := newTestDriver(Config{Grid: testGrid(), ContinueOnError: true}, provisioner, gen, sink)

	summary, err := driver.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, summary.CellsCompleted)
	assert.Equal(t, 4, summary.CellsSkipped)
	assert.Empty(t, sink.records)

	require.Len(t, provisioner.topologies, 4)
	for _, topo := range provisioner.topologies {
		assert.Equal(t, 1, topo.teardowns)
	}
}

func TestDriver_SinkFailureAborts(t *testing.T) {
	provisioner := &fakeProvisioner{}
	gen := &fakeGenerator{result: loadgen.Result{Elapsed: time.Second, TotalTokens: 10}}
	sink := &memorySink{err: errors.New("disk full")}

	driver := newTestDriver(Config{Grid: testGrid(), ContinueOnError: true}, provisioner, gen, sink)

	_, err := driver.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	// The failing cell's topology was still torn down.
	require.Len(t, provisioner.topologies, 1)
	assert.Equal(t, 1, provisioner.topologies[0].teardowns)
}

func TestDriver_TracksBestCell(t *testing.T) {
	provisioner := &fakeProvisioner{}
	sink := &memorySink{}

	// Throughput rises then falls across the four cells.
	tokens := []int{40, 120, 90, 60}
	var call int
	factory := func(string) LoadGenerator {
		g := &fakeGenerator{result: loadgen.Result{
			Elapsed:     time.Second,
			TotalTokens: tokens[call],
		}}
		call++
		return g
	}

	driver := NewDriver(Config{Grid: testGrid()}, provisioner, factory, sink,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	summary, err := driver.Run(context.Background())
	require.NoError(t, err)

	require.True(t, summary.HasBest)
	assert.InDelta(t, 120.0, summary.Best.ThroughputTPS, 1e-9)
	assert.Equal(t, 1, summary.Best.Instances)
	assert.Equal(t, 8, summary.Best.Concurrency)
}

func TestDriver_PausesBetweenCells(t *testing.T) {
	provisioner := &fakeProvisioner{}
	gen := &fakeGenerator{result: loadgen.Result{Elapsed: time.Second, TotalTokens: 10}}
	sink := &memorySink{}

	var pauses []time.Duration
	driver := NewDriver(
		Config{Grid: testGrid(), CellPause: 3 * time.Second},
		provisioner,
		func(string) LoadGenerator { return gen },
		sink,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithSleep(func(_ context.Context, d time.Duration) { pauses = append(pauses, d) }),
	)

	_, err := driver.Run(context.Background())
	require.NoError(t, err)

	// No pause before the first cell, one between each pair after that.
	require.Len(t, pauses, 3)
	for _, pause := range pauses {
		assert.Equal(t, 3*time.Second, pause)
	}
}

func TestDriver_CancelledContextStopsSweep(t *testing.T) {
	provisioner := &fakeProvisioner{}
	gen := &fakeGenerator{result: loadgen.Result{Elapsed: time.Second, TotalTokens: 10}}
	sink := &memorySink{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	driver := newTestDriver(Config{Grid: testGrid()}, provisioner, gen, sink)

	_, err := driver.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sink.records)
}

func TestTracker_SnapshotReflectsProgress(t *testing.T) {
	tracker := NewTracker()
	provisioner := &fakeProvisioner{}
	gen := &fakeGenerator{result: loadgen.Result{Elapsed: time.Second, TotalTokens: 75}}
	sink := &memorySink{}

	driver := NewDriver(Config{Grid: testGrid()}, provisioner,
		func(string) LoadGenerator { return gen }, sink,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithTracker(tracker),
	)

	_, err := driver.Run(context.Background())
	require.NoError(t, err)

	snap := tracker.Snapshot()
	assert.Equal(t, 4, snap.CellsTotal)
	assert.Equal(t, 4, snap.CellsCompleted)
	assert.Zero(t, snap.CellsSkipped)
	require.NotNil(t, snap.CurrentCell)
	assert.Equal(t, StateRecorded, snap.CurrentCell.State)
	require.NotNil(t, snap.Best)
	assert.InDelta(t, 75.0, snap.Best.ThroughputTPS, 1e-9)
}

func TestTracker_TerminalStatesObservable(t *testing.T) {
	tracker := NewTracker()
	tracker.begin(2, time.Now())

	tracker.startCell(grid.Cell{Instances: 1, Concurrency: 4})
	tracker.cellSkipped()
	snap := tracker.Snapshot()
	require.NotNil(t, snap.CurrentCell)
	assert.Equal(t, StateSkipped, snap.CurrentCell.State)
	assert.Equal(t, 1, snap.CellsSkipped)

	// The next cell replaces the finished one.
	tracker.startCell(grid.Cell{Instances: 2, Concurrency: 4})
	assert.Equal(t, StateProvisioning, tracker.Snapshot().CurrentCell.State)

	tracker.cellCompleted(results.MetricRecord{Instances: 2, ThroughputTPS: 50})
	snap = tracker.Snapshot()
	require.NotNil(t, snap.CurrentCell)
	assert.Equal(t, StateRecorded, snap.CurrentCell.State)
	assert.Equal(t, 2, snap.CurrentCell.Instances)
	assert.Equal(t, 1, snap.CellsCompleted)
}
