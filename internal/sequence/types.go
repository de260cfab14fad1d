package sequence

import (
	"time"

	"github.com/coreman2200/funtimes-ledgrid/internal/envelope"
	"github.com/coreman2200/funtimes-ledgrid/internal/pixel"
)

// Step is one envelope on one pixel, AtS seconds into the program.
type Step struct {
	Row     int     `json:"row" yaml:"row"`
	Col     int     `json:"col" yaml:"col"`
	Target  float64 `json:"target" yaml:"target"`
	Initial float64 `json:"initial,omitempty" yaml:"initial,omitempty"`
	RampS   float64 `json:"rampS,omitempty" yaml:"rampS,omitempty"`
	HoldS   float64 `json:"holdS,omitempty" yaml:"holdS,omitempty"`
	FadeS   float64 `json:"fadeS,omitempty" yaml:"fadeS,omitempty"`
	AtS     float64 `json:"atS" yaml:"atS"`
}

func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

func (s Step) Coord() pixel.Coord { return pixel.Coord{Row: s.Row, Col: s.Col} }

// At is the step's offset from the program start.
func (s Step) At() time.Duration { return seconds(s.AtS) }

// Envelope builds the step's envelope starting at start.
func (s Step) Envelope(start time.Time) (envelope.Envelope, error) {
	var d [3]time.Duration
	for i, f := range []struct {
		name string
		v    float64
	}{{"ramp", s.RampS}, {"hold", s.HoldS}, {"fade", s.FadeS}} {
		v, err := envelope.FromSeconds(f.name, f.v)
		if err != nil {
			return envelope.Envelope{}, err
		}
		d[i] = v
	}
	return envelope.New(s.Target, d[0], d[1], d[2],
		envelope.WithInitial(s.Initial), envelope.WithStartAt(start))
}

// End is the offset at which the step's envelope completes.
func (s Step) End() time.Duration { return seconds(s.AtS + s.RampS + s.HoldS + s.FadeS) }

// Program is a timed list of steps, optionally looping.
type Program struct {
	Version   string  `json:"version" yaml:"version"` // e.g. "steps.v1"
	Loop      bool    `json:"loop,omitempty" yaml:"loop,omitempty"`
	DurationS float64 `json:"durationS,omitempty" yaml:"durationS,omitempty"` // loop length; 0 = last step end
	Steps     []Step  `json:"steps" yaml:"steps"`
}

// Span is the program length: DurationS if set, else the latest step end.
func (p Program) Span() time.Duration {
	if p.DurationS > 0 {
		return seconds(p.DurationS)
	}
	var end time.Duration
	for _, s := range p.Steps {
		end = max(end, s.End())
	}
	return end
}

// PlayerState enumerates player states.
type PlayerState string

const (
	Idle    PlayerState = "idle"
	Running PlayerState = "running"
	Paused  PlayerState = "paused"
)

// Hooks connect the player to the animation engine.
type Hooks struct {
	// Schedule queues one envelope. Errors are counted and logged, not fatal.
	Schedule func(c pixel.Coord, e envelope.Envelope) error
	// Clear drops whatever the player queued but has not played yet.
	Clear func()
}
