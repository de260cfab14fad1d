package pattern

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/coreman2200/funtimes-ledgrid/internal/animation"
	"github.com/coreman2200/funtimes-ledgrid/internal/envelope"
	"github.com/coreman2200/funtimes-ledgrid/internal/pixel"
)

// Pattern turns a list of pixels into scheduled envelopes. Generate does
// not touch hardware; the result is fed to Coordinator.ScheduleBatch. Every
// envelope carries an absolute start derived from base, so pixels stay in
// step with each other.
type Pattern interface {
	Name() string
	Generate(coords []pixel.Coord, base time.Time) ([]animation.Entry, error)
}

func entry(c pixel.Coord, target float64, ramp, hold, fade time.Duration, start time.Time) (animation.Entry, error) {
	e, err := envelope.New(target, ramp, hold, fade, envelope.WithStartAt(start))
	if err != nil {
		return animation.Entry{}, fmt.Errorf("%s: %w", c, err)
	}
	return animation.Entry{Coord: c, Envelope: e}, nil
}

// End is the instant the last envelope of entries completes. Zero if empty.
func End(entries []animation.Entry) time.Time {
	var end time.Time
	for _, en := range entries {
		if t := en.Envelope.Start.Add(en.Envelope.Total()); t.After(end) {
			end = t
		}
	}
	return end
}

// Wave pulses pixels one after the other in the given order.
type Wave struct {
	Target           float64
	Ramp, Hold, Fade time.Duration
	Stagger          time.Duration
}

func NewWave() Wave {
	return Wave{
		Target:  1,
		Ramp:    100 * time.Millisecond,
		Hold:    300 * time.Millisecond,
		Fade:    400 * time.Millisecond,
		Stagger: 100 * time.Millisecond,
	}
}

func (Wave) Name() string { return "wave" }

func (w Wave) Generate(coords []pixel.Coord, base time.Time) ([]animation.Entry, error) {
	out := make([]animation.Entry, 0, len(coords))
	for i, c := range coords {
		en, err := entry(c, w.Target, w.Ramp, w.Hold, w.Fade, base.Add(time.Duration(i)*w.Stagger))
		if err != nil {
			return nil, err
		}
		out = append(out, en)
	}
	return out, nil
}

// Chase lights exactly one pixel at a time, each for Step.
type Chase struct {
	Target float64
	Step   time.Duration
}

func NewChase() Chase { return Chase{Target: 1, Step: 100 * time.Millisecond} }

func (Chase) Name() string { return "chase" }

func (ch Chase) Generate(coords []pixel.Coord, base time.Time) ([]animation.Entry, error) {
	if ch.Step <= 0 {
		return nil, fmt.Errorf("chase: step must be positive")
	}
	out := make([]animation.Entry, 0, len(coords))
	for i, c := range coords {
		en, err := entry(c, ch.Target, 0, ch.Step, 0, base.Add(time.Duration(i)*ch.Step))
		if err != nil {
			return nil, err
		}
		out = append(out, en)
	}
	return out, nil
}

// RandomFlash fires Count flashes on randomly picked pixels within Window.
// Levels and phase lengths are randomized too. A non-zero Seed repeats the
// same show; zero reseeds on every Generate.
type RandomFlash struct {
	Count  int
	Window time.Duration
	Seed   int64
}

func NewRandomFlash() RandomFlash {
	return RandomFlash{Count: 20, Window: 2 * time.Second}
}

func (RandomFlash) Name() string { return "random" }

func between(rng *rand.Rand, lo, hi time.Duration) time.Duration {
	return lo + time.Duration(rng.Int63n(int64(hi-lo)+1))
}

func (r RandomFlash) Generate(coords []pixel.Coord, base time.Time) ([]animation.Entry, error) {
	if len(coords) == 0 {
		return nil, nil
	}
	seed := r.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	out := make([]animation.Entry, 0, r.Count)
	for i := 0; i < r.Count; i++ {
		c := coords[rng.Intn(len(coords))]
		start := base
		if r.Window > 0 {
			start = base.Add(between(rng, 0, r.Window))
		}
		target := 0.2 + 0.8*rng.Float64() // never a black flash
		en, err := entry(c, target,
			between(rng, 50*time.Millisecond, 200*time.Millisecond),
			between(rng, 100*time.Millisecond, 400*time.Millisecond),
			between(rng, 200*time.Millisecond, 600*time.Millisecond),
			start)
		if err != nil {
			return nil, err
		}
		out = append(out, en)
	}
	return out, nil
}

// Blink blinks the first pixel Count times: on for Interval, off for Interval.
type Blink struct {
	Count    int
	Interval time.Duration
}

func NewBlink() Blink { return Blink{Count: 5, Interval: 500 * time.Millisecond} }

func (Blink) Name() string { return "blink" }

func (b Blink) Generate(coords []pixel.Coord, base time.Time) ([]animation.Entry, error) {
	if len(coords) == 0 {
		return nil, nil
	}
	const edge = 50 * time.Millisecond
	hold := b.Interval - 2*edge
	if hold < 0 {
		hold = 0
	}
	out := make([]animation.Entry, 0, b.Count)
	for i := 0; i < b.Count; i++ {
		en, err := entry(coords[0], 1, edge, hold, edge, base.Add(time.Duration(2*i)*b.Interval))
		if err != nil {
			return nil, err
		}
		out = append(out, en)
	}
	return out, nil
}

// Fill ramps every pixel to Target and leaves it there.
type Fill struct {
	Target float64
	Ramp   time.Duration
}

func (Fill) Name() string { return "fill" }

func (f Fill) Generate(coords []pixel.Coord, base time.Time) ([]animation.Entry, error) {
	out := make([]animation.Entry, 0, len(coords))
	for _, c := range coords {
		en, err := entry(c, f.Target, f.Ramp, 0, 0, base)
		if err != nil {
			return nil, err
		}
		out = append(out, en)
	}
	return out, nil
}

// Repeat plays P Count times, each run starting Gap after the previous one
// ended.
type Repeat struct {
	P     Pattern
	Count int
	Gap   time.Duration
}

func (r Repeat) Name() string { return r.P.Name() + "*" }

func (r Repeat) Generate(coords []pixel.Coord, base time.Time) ([]animation.Entry, error) {
	parts := make([]Pattern, r.Count)
	for i := range parts {
		parts[i] = r.P
	}
	return Sequence{Parts: parts, Gap: r.Gap}.Generate(coords, base)
}

// Sequence plays its parts back to back, Gap apart.
type Sequence struct {
	Parts []Pattern
	Gap   time.Duration
}

func (s Sequence) Name() string { return "sequence" }

func (s Sequence) Generate(coords []pixel.Coord, base time.Time) ([]animation.Entry, error) {
	var out []animation.Entry
	at := base
	for _, p := range s.Parts {
		es, err := p.Generate(coords, at)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.Name(), err)
		}
		out = append(out, es...)
		if end := End(es); !end.IsZero() {
			at = end.Add(s.Gap)
		}
	}
	return out, nil
}

// Layered plays its parts at the same time. Parts touching the same pixel
// queue up behind each other on that pixel.
type Layered struct {
	Parts []Pattern
}

func (l Layered) Name() string { return "layered" }

func (l Layered) Generate(coords []pixel.Coord, base time.Time) ([]animation.Entry, error) {
	var out []animation.Entry
	for _, p := range l.Parts {
		es, err := p.Generate(coords, base)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.Name(), err)
		}
		out = append(out, es...)
	}
	return out, nil
}

// Play generates p over every pixel of c, starting lead from now, and
// schedules the result.
func Play(c *animation.Coordinator, p Pattern, lead time.Duration) (animation.BatchResult, error) {
	es, err := p.Generate(c.Coords(), time.Now().Add(lead))
	if err != nil {
		return animation.BatchResult{}, fmt.Errorf("pattern %s: %w", p.Name(), err)
	}
	return c.ScheduleBatch(es), nil
}

// Registry looks patterns up by name.
type Registry struct{ m map[string]Pattern }

func NewRegistry() *Registry { return &Registry{m: map[string]Pattern{}} }

// Builtins returns a registry holding the stock patterns with their defaults.
func Builtins() *Registry {
	r := NewRegistry()
	r.Register(NewWave())
	r.Register(NewChase())
	r.Register(NewRandomFlash())
	r.Register(NewBlink())
	r.Register(Fill{Target: 1, Ramp: 500 * time.Millisecond})
	return r
}

func (r *Registry) Register(p Pattern) {
	if p == nil {
		return
	}
	r.m[p.Name()] = p
}

func (r *Registry) Get(name string) (Pattern, bool) { p, ok := r.m[name]; return p, ok }

func (r *Registry) List() []string {
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
