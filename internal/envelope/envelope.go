package envelope

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// ErrInvalid is wrapped by every construction error.
var ErrInvalid = errors.New("invalid envelope")

// ParamError reports which envelope field was rejected.
type ParamError struct {
	Field string
	Value float64
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("%v: %s out of range (%v)", ErrInvalid, e.Field, e.Value)
}

func (e *ParamError) Unwrap() error { return ErrInvalid }

// Envelope describes one pixel's brightness over time: ramp from Initial to
// Target, hold at Target, fade back to Initial. All offsets are relative to
// Start. Envelopes are values; scheduling stamps a copy.
type Envelope struct {
	ID      string        `json:"id,omitempty" yaml:"id,omitempty"`
	Target  float64       `json:"target" yaml:"target"`
	Initial float64       `json:"initial,omitempty" yaml:"initial,omitempty"`
	Ramp    time.Duration `json:"ramp" yaml:"ramp"`
	Hold    time.Duration `json:"hold" yaml:"hold"`
	Fade    time.Duration `json:"fade" yaml:"fade"`
	Start   time.Time     `json:"-" yaml:"-"` // zero until scheduled
}

// Option tweaks an Envelope built by New.
type Option func(*Envelope)

// WithInitial sets the rest brightness the ramp starts from and the fade returns to.
func WithInitial(b float64) Option { return func(e *Envelope) { e.Initial = b } }

// WithStartAt fixes the start instant instead of letting the worker stamp it.
func WithStartAt(t time.Time) Option { return func(e *Envelope) { e.Start = t } }

// New builds and validates an envelope.
func New(target float64, ramp, hold, fade time.Duration, opts ...Option) (Envelope, error) {
	e := Envelope{
		ID:     uuid.NewString(),
		Target: target,
		Ramp:   ramp,
		Hold:   hold,
		Fade:   fade,
	}
	for _, o := range opts {
		o(&e)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// maxSeconds is the longest phase FromSeconds accepts.
const maxSeconds = float64(math.MaxInt64 / int64(time.Second))

// FromSeconds converts a phase length given in seconds. Values that are not
// finite or do not fit a time.Duration are rejected as field.
func FromSeconds(field string, s float64) (time.Duration, error) {
	if math.IsNaN(s) || math.IsInf(s, 0) || math.Abs(s) >= maxSeconds {
		return 0, &ParamError{Field: field, Value: s}
	}
	return time.Duration(s * float64(time.Second)), nil
}

// Validate rejects brightness outside [0,1], negative durations and phases
// whose total does not fit a time.Duration.
func (e Envelope) Validate() error {
	if !inUnit(e.Target) {
		return &ParamError{Field: "target", Value: e.Target}
	}
	if !inUnit(e.Initial) {
		return &ParamError{Field: "initial", Value: e.Initial}
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{{"ramp", e.Ramp}, {"hold", e.Hold}, {"fade", e.Fade}} {
		if d.v < 0 {
			return &ParamError{Field: d.name, Value: d.v.Seconds()}
		}
	}
	if e.Ramp > math.MaxInt64-e.Hold {
		return &ParamError{Field: "hold", Value: e.Hold.Seconds()}
	}
	if e.HoldEnd() > math.MaxInt64-e.Fade {
		return &ParamError{Field: "fade", Value: e.Fade.Seconds()}
	}
	return nil
}

func inUnit(x float64) bool {
	return !math.IsNaN(x) && x >= 0 && x <= 1
}

// RampEnd is the offset at which the ramp reaches Target.
func (e Envelope) RampEnd() time.Duration { return e.Ramp }

// HoldEnd is the offset at which the fade begins.
func (e Envelope) HoldEnd() time.Duration { return e.Ramp + e.Hold }

// Total is the offset at which the envelope completes.
func (e Envelope) Total() time.Duration { return e.Ramp + e.Hold + e.Fade }

// Scheduled reports whether Start has been assigned.
func (e Envelope) Scheduled() bool { return !e.Start.IsZero() }

// WithStart returns a copy started at t.
func (e Envelope) WithStart(t time.Time) Envelope {
	e.Start = t
	return e
}

// rampOnly envelopes turn a pixel on and leave it on.
func (e Envelope) rampOnly() bool { return e.Hold == 0 && e.Fade == 0 }

// Evaluate returns the brightness at now. It has no side effects.
func (e Envelope) Evaluate(now time.Time) float64 {
	el := now.Sub(e.Start)
	switch {
	case el < 0:
		return clamp01(e.Initial)
	case el >= e.Total():
		if e.rampOnly() {
			return clamp01(e.Target)
		}
		return clamp01(e.Initial)
	case el <= e.RampEnd():
		if e.Ramp == 0 {
			return clamp01(e.Target)
		}
		u := el.Seconds() / e.Ramp.Seconds()
		return clamp01(e.Initial + (e.Target-e.Initial)*u)
	case el <= e.HoldEnd():
		return clamp01(e.Target)
	default:
		u := (el - e.HoldEnd()).Seconds() / e.Fade.Seconds()
		return clamp01(e.Target - (e.Target-e.Initial)*u)
	}
}

// IsComplete reports whether now is at or past Start+Total.
func (e Envelope) IsComplete(now time.Time) bool {
	return !now.Before(e.Start.Add(e.Total()))
}

func (e Envelope) String() string {
	start := "unscheduled"
	if e.Scheduled() {
		start = e.Start.Format("15:04:05.000")
	}
	return fmt.Sprintf("envelope(target=%.2f initial=%.2f ramp=%v hold=%v fade=%v start=%s)",
		e.Target, e.Initial, e.Ramp, e.Hold, e.Fade, start)
}

// clamp01 clamps x in [0,1].
func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
