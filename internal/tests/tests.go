package tests

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coreman2200/funtimes-ledgrid/internal/animation"
	"github.com/coreman2200/funtimes-ledgrid/internal/envelope"
	"github.com/coreman2200/funtimes-ledgrid/internal/pixel"
)

// Kind names a hardware self test.
type Kind string

const (
	None       Kind = ""
	IndexSweep Kind = "index_sweep" // one pixel at a time, row-major
	RowSweep   Kind = "row_sweep"   // one row at a time
	AllPulse   Kind = "all_pulse"   // every pixel ramps up and back down together
)

// Kinds lists the available tests.
func Kinds() []Kind { return []Kind{IndexSweep, RowSweep, AllPulse} }

// Plan selects a test. Dwell is how long each step stays lit.
type Plan struct {
	Kind  Kind
	Dwell time.Duration
	Level float64
}

func (p Plan) withDefaults() Plan {
	if p.Dwell <= 0 {
		p.Dwell = 200 * time.Millisecond
	}
	if p.Level <= 0 || p.Level > 1 {
		p.Level = 1
	}
	return p
}

// Runner walks a plan one step at a time.
type Runner struct {
	plan Plan
	step int
}

func NewRunner(plan Plan) *Runner { return &Runner{plan: plan.withDefaults()} }
func (r *Runner) Kind() Kind      { return r.plan.Kind }

// Step returns the envelopes for the next step, all starting at start, and
// false once the test is complete. coords must be row-major.
func (r *Runner) Step(coords []pixel.Coord, start time.Time) ([]animation.Entry, bool, error) {
	var lit []pixel.Coord
	ramp, hold := time.Duration(0), r.plan.Dwell
	switch r.plan.Kind {
	case IndexSweep:
		if r.step >= len(coords) {
			return nil, false, nil
		}
		lit = coords[r.step : r.step+1]
	case RowSweep:
		rows := rowsOf(coords)
		if r.step >= len(rows) {
			return nil, false, nil
		}
		lit = rows[r.step]
	case AllPulse:
		if r.step >= 1 {
			return nil, false, nil
		}
		lit = coords
		ramp, hold = r.plan.Dwell, r.plan.Dwell
	default:
		return nil, false, fmt.Errorf("unknown test %q", r.plan.Kind)
	}

	// ramp, hold, then fade with the ramp length: the pixel is dark again
	// when the step ends
	e, err := envelope.New(r.plan.Level, ramp, hold, ramp, envelope.WithStartAt(start))
	if err != nil {
		return nil, false, err
	}
	out := make([]animation.Entry, len(lit))
	for i, c := range lit {
		out[i] = animation.Entry{Coord: c, Envelope: e}
	}
	r.step++
	return out, true, nil
}

// rowsOf groups row-major coordinates by row.
func rowsOf(coords []pixel.Coord) [][]pixel.Coord {
	var rows [][]pixel.Coord
	for i, c := range coords {
		if i == 0 || c.Row != coords[i-1].Row {
			rows = append(rows, nil)
		}
		rows[len(rows)-1] = append(rows[len(rows)-1], c)
	}
	return rows
}

// Run plays plan on c step by step and returns once the last step has
// finished or ctx is cancelled.
func Run(ctx context.Context, c *animation.Coordinator, plan Plan) error {
	r := NewRunner(plan)
	coords := c.Coords()
	log.Info().Str("test", string(r.Kind())).Int("pixels", len(coords)).Msg("self test started")
	for n := 0; ; n++ {
		es, more, err := r.Step(coords, time.Now())
		if err != nil {
			return err
		}
		if !more {
			break
		}
		res := c.ScheduleBatch(es)
		if res.Skipped > 0 {
			log.Warn().Int("step", n).Int("skipped", res.Skipped).Msg("self test step partly skipped")
		}
		wait := es[0].Envelope.Total()
		select {
		case <-ctx.Done():
			c.ClearAllPending()
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	log.Info().Str("test", string(r.Kind())).Msg("self test done")
	return nil
}
