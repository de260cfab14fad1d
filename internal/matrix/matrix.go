package matrix

import (
	"errors"
	"fmt"
	"sort"

	"github.com/coreman2200/funtimes-ledgrid/internal/led"
	"github.com/coreman2200/funtimes-ledgrid/internal/pixel"
)

var (
	ErrDuplicateCoordinate = errors.New("duplicate coordinate")
	ErrInvalidCoordinate   = errors.New("invalid coordinate")
	ErrNoSink              = errors.New("entry has no sink")
)

// Entry binds a coordinate to one channel of a sink.
type Entry struct {
	Coord   pixel.Coord
	Sink    led.Sink
	Channel int
}

// Matrix maps coordinates to pixel workers. The mapping is fixed at
// construction; workers are started and stopped independently.
type Matrix struct {
	workers map[pixel.Coord]*pixel.Worker
	order   []*pixel.Worker // row-major
	sinks   []led.Sink      // distinct, in first-seen order
	rows    int
	cols    int
}

// New builds one worker per entry. Duplicate or negative coordinates and
// entries without a sink are rejected.
func New(entries []Entry, opts pixel.Options) (*Matrix, error) {
	m := &Matrix{workers: make(map[pixel.Coord]*pixel.Worker, len(entries))}
	seen := map[led.Sink]bool{}
	for i, e := range entries {
		if !e.Coord.Valid() {
			return nil, fmt.Errorf("entry %d %s: %w", i, e.Coord, ErrInvalidCoordinate)
		}
		if e.Sink == nil {
			return nil, fmt.Errorf("entry %d %s: %w", i, e.Coord, ErrNoSink)
		}
		if _, dup := m.workers[e.Coord]; dup {
			return nil, fmt.Errorf("entry %d %s: %w", i, e.Coord, ErrDuplicateCoordinate)
		}
		w := pixel.NewWorker(e.Coord, e.Sink, e.Channel, opts)
		m.workers[e.Coord] = w
		m.order = append(m.order, w)
		if !seen[e.Sink] {
			seen[e.Sink] = true
			m.sinks = append(m.sinks, e.Sink)
		}
		m.rows = max(m.rows, e.Coord.Row+1)
		m.cols = max(m.cols, e.Coord.Col+1)
	}
	sort.Slice(m.order, func(i, j int) bool { return m.order[i].Coord().Less(m.order[j].Coord()) })
	return m, nil
}

// Lookup returns the worker at c.
func (m *Matrix) Lookup(c pixel.Coord) (*pixel.Worker, bool) {
	w, ok := m.workers[c]
	return w, ok
}

// Workers returns every worker in row-major order. The slice is shared.
func (m *Matrix) Workers() []*pixel.Worker { return m.order }

// Sinks returns each distinct sink once.
func (m *Matrix) Sinks() []led.Sink { return m.sinks }

// Bounds returns the smallest rows x cols rectangle containing every pixel.
func (m *Matrix) Bounds() (rows, cols int) { return m.rows, m.cols }

func (m *Matrix) Len() int { return len(m.order) }

// Coords lists coordinates in row-major order.
func (m *Matrix) Coords() []pixel.Coord {
	out := make([]pixel.Coord, len(m.order))
	for i, w := range m.order {
		out[i] = w.Coord()
	}
	return out
}
