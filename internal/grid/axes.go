// Package grid expands the sweep's independent axis lists into the ordered
// set of grid cells the driver evaluates.
package grid

import (
	"fmt"
	"strconv"
	"strings"
)

// Axis is an ordered list of values for one sweep dimension.
type Axis []int

// ParseAxis parses a delimited axis list such as "1,2,4" or "1 2 4".
// Items are trimmed, empty items are dropped, and every value must be a
// positive integer. An empty list falls back to a single-element axis
// holding def, so an unset dimension still yields one cell.
func ParseAxis(name, raw string, def int) (Axis, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})

	axis := make(Axis, 0, len(fields))
	for _, field := range fields {
		item := strings.TrimSpace(field)
		if item == "" {
			continue
		}
		value, err := strconv.Atoi(item)
		if err != nil {
			return nil, fmt.Errorf("invalid %s list: %q is not an integer", name, item)
		}
		if value <= 0 {
			return nil, fmt.Errorf("invalid %s list: %d is not positive", name, value)
		}
		axis = append(axis, value)
	}

	if len(axis) == 0 {
		if def <= 0 {
			return nil, fmt.Errorf("invalid %s default: %d is not positive", name, def)
		}
		return Axis{def}, nil
	}
	return axis, nil
}

// Cell is one point of the sweep grid together with its derived request count.
type Cell struct {
	Instances         int
	DecodeConcurrency int
	PromptConcurrency int
	Concurrency       int
	TotalRequests     int
}

// Grid holds the four sweep axes and the request-count derivation inputs.
// Cells are produced in a fixed nested order (instances outermost, then
// decode, prompt, and request concurrency innermost) so result files are
// reproducible and resumable by position.
type Grid struct {
	Instances   Axis
	Decode      Axis
	Prompt      Axis
	Concurrency Axis

	// NumRequests pins the per-cell request count when > 0. Otherwise the
	// count is derived as concurrency * RequestsMultiplier, floored at 1.
	NumRequests        int
	RequestsMultiplier int
}

// Size returns the total number of cells in the grid.
func (g Grid) Size() int {
	return len(g.Instances) * len(g.Decode) * len(g.Prompt) * len(g.Concurrency)
}

// requestsFor derives the request count for one concurrency level.
func (g Grid) requestsFor(concurrency int) int {
	if g.NumRequests > 0 {
		return g.NumRequests
	}
	multiplier := g.RequestsMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	n := concurrency * multiplier
	if n < 1 {
		n = 1
	}
	return n
}

// Enumerate calls fn for every cell in nested axis order. Enumeration stops
// early if fn returns false.
func (g Grid) Enumerate(fn func(Cell) bool) {
	for _, instances := range g.Instances {
		for _, decode := range g.Decode {
			for _, prompt := range g.Prompt {
				for _, concurrency := range g.Concurrency {
					cell := Cell{
						Instances:         instances,
						DecodeConcurrency: decode,
						PromptConcurrency: prompt,
						Concurrency:       concurrency,
						TotalRequests:     g.requestsFor(concurrency),
					}
					if !fn(cell) {
						return
					}
				}
			}
		}
	}
}

// Cells materializes the full grid in enumeration order.
func (g Grid) Cells() []Cell {
	cells := make([]Cell, 0, g.Size())
	g.Enumerate(func(c Cell) bool {
		cells = append(cells, c)
		return true
	})
	return cells
}
