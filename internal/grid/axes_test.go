package grid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAxis(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		def      int
		expected Axis
		wantErr  bool
	}{
		{"comma separated", "1,2,4", 1, Axis{1, 2, 4}, false},
		{"space separated", "1 2 4", 1, Axis{1, 2, 4}, false},
		{"mixed whitespace and commas", " 1, 2 ,4,, 8 ", 1, Axis{1, 2, 4, 8}, false},
		{"trailing comma", "8,16,", 1, Axis{8, 16}, false},
		{"empty uses default", "", 3, Axis{3}, false},
		{"whitespace only uses default", "  ,  ", 5, Axis{5}, false},
		{"duplicates kept", "2,2", 1, Axis{2, 2}, false},
		{"non-numeric", "1,abc,4", 1, nil, true},
		{"zero value", "1,0", 1, nil, true},
		{"negative value", "-2", 1, nil, true},
		{"float value", "1.5", 1, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			axis, err := ParseAxis("test", tt.raw, tt.def)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, axis)
		})
	}
}

func TestParseAxis_InvalidDefault(t *testing.T) {
	_, err := ParseAxis("instances", "", 0)
	require.Error(t, err)
}

func TestGrid_EnumerationOrder(t *testing.T) {
	g := Grid{
		Instances:   Axis{1, 2},
		Decode:      Axis{8, 16},
		Prompt:      Axis{4},
		Concurrency: Axis{1},
	}

	cells := g.Cells()
	require.Len(t, cells, 4)

	expected := [][2]int{{1, 8}, {1, 16}, {2, 8}, {2, 16}}
	for i, pair := range expected {
		assert.Equal(t, pair[0], cells[i].Instances, "cell %d instances", i)
		assert.Equal(t, pair[1], cells[i].DecodeConcurrency, "cell %d decode", i)
	}
}

func TestGrid_Size(t *testing.T) {
	g := Grid{
		Instances:   Axis{1, 2},
		Decode:      Axis{8, 16, 32},
		Prompt:      Axis{4, 8},
		Concurrency: Axis{1, 2, 4, 8},
	}
	assert.Equal(t, 48, g.Size())
	assert.Len(t, g.Cells(), 48)
}

func TestGrid_RequestDerivation(t *testing.T) {
	tests := []struct {
		name        string
		numRequests int
		multiplier  int
		concurrency int
		expected    int
	}{
		{"pinned count wins", 50, 4, 8, 50},
		{"derived from concurrency", 0, 2, 8, 16},
		{"multiplier floored at one", 0, 0, 8, 8},
		{"at least one request", 0, 1, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := Grid{
				Instances:          Axis{1},
				Decode:             Axis{1},
				Prompt:             Axis{1},
				Concurrency:        Axis{tt.concurrency},
				NumRequests:        tt.numRequests,
				RequestsMultiplier: tt.multiplier,
			}
			cells := g.Cells()
			require.Len(t, cells, 1)
			assert.Equal(t, tt.expected, cells[0].TotalRequests)
		})
	}
}

func TestGrid_EnumerateStopsEarly(t *testing.T) {
	g := Grid{
		Instances:   Axis{1, 2, 3},
		Decode:      Axis{1},
		Prompt:      Axis{1},
		Concurrency: Axis{1, 2},
	}

	var seen int
	g.Enumerate(func(Cell) bool {
		seen++
		return seen < 3
	})
	assert.Equal(t, 3, seen)
}
