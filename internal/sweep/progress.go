package sweep

import (
	"sync"
	"time"

	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/grid"
	"github.com/mlx-throughput-lab/mlx-throughput-lab/internal/results"
)

// State names one phase of a cell's lifecycle.
type State string

const (
	StateProvisioning State = "PROVISIONING"
	StateWarmingUp    State = "WARMING_UP"
	StateMeasuring    State = "MEASURING"
	StateTearingDown  State = "TEARING_DOWN"
	StateRecorded     State = "RECORDED"
	StateSkipped      State = "SKIPPED"
)

// CellStatus describes the cell being worked on, or the last finished cell
// once it has reached a terminal state. The next startCell replaces it.
type CellStatus struct {
	Instances         int   `json:"instances"`
	DecodeConcurrency int   `json:"decode_concurrency"`
	PromptConcurrency int   `json:"prompt_concurrency"`
	Concurrency       int   `json:"concurrency"`
	State             State `json:"state"`
}

// Progress is a point-in-time snapshot of a running sweep.
type Progress struct {
	CellsTotal     int                   `json:"cells_total"`
	CellsCompleted int                   `json:"cells_completed"`
	CellsSkipped   int                   `json:"cells_skipped"`
	CurrentCell    *CellStatus           `json:"current_cell,omitempty"`
	Best           *results.MetricRecord `json:"best,omitempty"`
	StartedAt      time.Time             `json:"started_at"`
	ElapsedS       float64               `json:"elapsed_s"`
}

// Tracker holds sweep progress behind a mutex so the monitor endpoint can
// read it while the driver runs.
type Tracker struct {
	mu  sync.RWMutex
	p   Progress
	now func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

func (t *Tracker) begin(total int, startedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p = Progress{CellsTotal: total, StartedAt: startedAt}
}

func (t *Tracker) startCell(cell grid.Cell) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.CurrentCell = &CellStatus{
		Instances:         cell.Instances,
		DecodeConcurrency: cell.DecodeConcurrency,
		PromptConcurrency: cell.PromptConcurrency,
		Concurrency:       cell.Concurrency,
		State:             StateProvisioning,
	}
}

func (t *Tracker) setState(state State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.p.CurrentCell != nil {
		t.p.CurrentCell.State = state
	}
}

func (t *Tracker) cellCompleted(best results.MetricRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.CellsCompleted++
	if t.p.CurrentCell != nil {
		t.p.CurrentCell.State = StateRecorded
	}
	b := best
	t.p.Best = &b
}

func (t *Tracker) cellSkipped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.p.CellsSkipped++
	if t.p.CurrentCell != nil {
		t.p.CurrentCell.State = StateSkipped
	}
}

// Snapshot returns a copy of the current progress with elapsed time filled
// in.
func (t *Tracker) Snapshot() Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p := t.p
	if p.CurrentCell != nil {
		cell := *p.CurrentCell
		p.CurrentCell = &cell
	}
	if p.Best != nil {
		best := *p.Best
		p.Best = &best
	}
	if !p.StartedAt.IsZero() {
		p.ElapsedS = t.now().Sub(p.StartedAt).Seconds()
	}
	return p
}
