package led

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrClosed is returned by sinks used after Shutdown.
var ErrClosed = errors.New("sink closed")

// Op names a recorded Sim operation.
type Op string

const (
	OpWrite Op = "write"
	OpOff   Op = "off"
	OpClear Op = "clear"
)

// Record is one operation observed by a Sim.
type Record struct {
	Op      Op
	Channel int
	Value   float64
}

// Sim is an in-memory sink. It keeps the current level of every channel and
// a history of every operation, which makes it the sink of choice for
// -sim-only runs and tests.
type Sim struct {
	mu        sync.Mutex
	name      string
	levels    map[int]float64
	history   []Record
	fail      map[int]error
	shutdowns int
	closed    bool
}

func NewSim() *Sim { return NewNamedSim("sim") }

func NewNamedSim(name string) *Sim {
	return &Sim{name: name, levels: map[int]float64{}, fail: map[int]error{}}
}

func (s *Sim) String() string { return s.name }

// FailWrites makes every Write to channel return err. A nil err clears it.
func (s *Sim) FailWrites(channel int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, channel)
		return
	}
	s.fail[channel] = err
}

func (s *Sim) Write(channel int, brightness float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.fail[channel]; err != nil {
		return fmt.Errorf("%s channel %d: %w", s.name, channel, err)
	}
	b := clamp01(brightness)
	s.levels[channel] = b
	s.history = append(s.history, Record{Op: OpWrite, Channel: channel, Value: b})
	return nil
}

func (s *Sim) Off(channel int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.levels[channel] = 0
	s.history = append(s.history, Record{Op: OpOff, Channel: channel})
	return nil
}

func (s *Sim) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for ch := range s.levels {
		s.levels[ch] = 0
	}
	s.history = append(s.history, Record{Op: OpClear, Channel: -1})
	return nil
}

func (s *Sim) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdowns++
	s.closed = true
	return nil
}

// Level returns the current level of channel and whether it was ever touched.
func (s *Sim) Level(channel int) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.levels[channel]
	return v, ok
}

// Channels lists every channel touched so far, ascending.
func (s *Sim) Channels() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.levels))
	for ch := range s.levels {
		out = append(out, ch)
	}
	sort.Ints(out)
	return out
}

// History returns a copy of every recorded operation.
func (s *Sim) History() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.history...)
}

// Writes returns the values written to channel, in order.
func (s *Sim) Writes(channel int) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []float64
	for _, r := range s.history {
		if r.Op == OpWrite && r.Channel == channel {
			out = append(out, r.Value)
		}
	}
	return out
}

// Count returns how many operations of kind op were recorded.
func (s *Sim) Count(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.history {
		if r.Op == op {
			n++
		}
	}
	return n
}

func (s *Sim) Shutdowns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdowns
}
