package led

import (
	"fmt"
	"math"
	"sync"
)

// Output shapes levels on their way to a sink: a gamma curve first, then a
// current budget shared by every channel of the sink.
type Output struct {
	Gamma     float64 // 0 or 1: linear
	ChannelMA float64 // draw of one channel at full scale, in mA
	BudgetMA  float64 // 0: unlimited
}

func (o Output) linear() bool   { return o.Gamma == 0 || o.Gamma == 1 }
func (o Output) limited() bool  { return o.BudgetMA > 0 && o.ChannelMA > 0 }
func (o Output) identity() bool { return o.linear() && !o.limited() }

// Shape wraps s with o. An identity Output returns s unchanged.
func Shape(s Sink, o Output) Sink {
	if o.identity() {
		return s
	}
	return &Shaped{sink: s, out: o, levels: map[int]float64{}}
}

// Shaped is a Sink applying an Output before writing through. A write that
// would take the sink over budget is cut down to what is left of it.
type Shaped struct {
	sink Sink
	out  Output

	mu     sync.Mutex
	levels map[int]float64 // levels currently driven, after shaping
	total  float64
}

func (s *Shaped) String() string { return fmt.Sprintf("%v (shaped)", s.sink) }

// Unwrap returns the underlying sink.
func (s *Shaped) Unwrap() Sink { return s.sink }

func (s *Shaped) curve(b float64) float64 {
	v := clamp01(b)
	if !s.out.linear() {
		v = math.Pow(v, s.out.Gamma)
	}
	return v
}

// reserve books v for channel and returns the level actually allowed.
func (s *Shaped) reserve(channel int, v float64) (allowed, prev float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev = s.levels[channel]
	if s.out.limited() {
		room := s.out.BudgetMA/s.out.ChannelMA - (s.total - prev)
		v = math.Max(0, math.Min(v, room))
	}
	s.levels[channel] = v
	s.total += v - prev
	return v, prev
}

func (s *Shaped) Write(channel int, brightness float64) error {
	v, prev := s.reserve(channel, s.curve(brightness))
	if err := s.sink.Write(channel, v); err != nil {
		s.reserve(channel, prev)
		return err
	}
	return nil
}

func (s *Shaped) Off(channel int) error {
	s.reserve(channel, 0)
	return s.sink.Off(channel)
}

func (s *Shaped) Clear() error {
	s.mu.Lock()
	s.levels = map[int]float64{}
	s.total = 0
	s.mu.Unlock()
	return s.sink.Clear()
}

func (s *Shaped) Shutdown() error { return s.sink.Shutdown() }
