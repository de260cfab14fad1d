package sequence

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coreman2200/funtimes-ledgrid/internal/envelope"
	"github.com/coreman2200/funtimes-ledgrid/internal/pixel"
)

type scheduled struct {
	c pixel.Coord
	e envelope.Envelope
}

func recorder(out *[]scheduled) Hooks {
	return Hooks{
		Schedule: func(c pixel.Coord, e envelope.Envelope) error {
			*out = append(*out, scheduled{c, e})
			return nil
		},
	}
}

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func prog(loop bool) Program {
	return Program{
		Version: "steps.v1",
		Loop:    loop,
		Steps: []Step{
			{Row: 0, Col: 1, Target: 1, RampS: 0.5, AtS: 1},
			{Row: 0, Col: 0, Target: 1, RampS: 0.2, HoldS: 0.2, FadeS: 0.1, AtS: 0},
			{Row: 1, Col: 0, Target: 0.5, HoldS: 0.5, AtS: 1},
		},
	}
}

func TestProgramValidateSortsAndSpans(t *testing.T) {
	p := prog(false)
	if err := p.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if p.Steps[0].AtS != 0 {
		t.Fatalf("steps not sorted: %#v", p.Steps)
	}
	if got := p.Span(); got != 1500*time.Millisecond {
		t.Fatalf("span = %v, want 1.5s", got)
	}
	p.DurationS = 4
	if got := p.Span(); got != 4*time.Second {
		t.Fatalf("span override = %v", got)
	}

	var empty Program
	if err := empty.Validate(); !errors.Is(err, ErrNoSteps) {
		t.Fatalf("expected ErrNoSteps, got %v", err)
	}
	bad := Program{Steps: []Step{{Target: 2}}}
	if err := bad.Validate(); !errors.Is(err, envelope.ErrInvalid) {
		t.Fatalf("expected envelope error, got %v", err)
	}
	neg := Program{Steps: []Step{{Target: 1, AtS: -1}}}
	if err := neg.Validate(); err == nil {
		t.Fatal("expected error for negative atS")
	}
}

func TestPlayerDispatchesWithLookahead(t *testing.T) {
	var got []scheduled
	p := NewPlayer(recorder(&got))
	if err := p.Load(prog(false)); err != nil {
		t.Fatalf("load: %v", err)
	}
	p.Start(t0)
	p.Tick(t0)
	if len(got) != 1 {
		t.Fatalf("expected only the first step, got %d", len(got))
	}
	if !got[0].e.Start.Equal(t0) {
		t.Fatalf("first step start = %v", got[0].e.Start)
	}

	// 1s steps become due 250ms early and share one start instant
	p.Tick(t0.Add(800 * time.Millisecond))
	if len(got) != 3 {
		t.Fatalf("expected 3 dispatched, got %d", len(got))
	}
	if !got[1].e.Start.Equal(got[2].e.Start) || !got[1].e.Start.Equal(t0.Add(time.Second)) {
		t.Fatalf("steps at 1s not synchronized: %v %v", got[1].e.Start, got[2].e.Start)
	}
	if p.State() != Running {
		t.Fatalf("should still run until the span elapses, got %s", p.State())
	}
	p.Tick(t0.Add(1500 * time.Millisecond))
	if p.State() != Idle {
		t.Fatalf("expected idle after span, got %s", p.State())
	}
}

func TestPlayerLoops(t *testing.T) {
	var got []scheduled
	p := NewPlayer(recorder(&got))
	p.SetLookahead(0)
	if err := p.Load(prog(true)); err != nil {
		t.Fatalf("load: %v", err)
	}
	p.Start(t0)
	p.Tick(t0.Add(1600 * time.Millisecond))
	if p.Pass() != 1 {
		t.Fatalf("pass = %d, want 1", p.Pass())
	}
	if len(got) != 4 {
		t.Fatalf("expected 3 steps + first of next pass, got %d", len(got))
	}
	if want := t0.Add(1500 * time.Millisecond); !got[3].e.Start.Equal(want) {
		t.Fatalf("second pass start = %v, want %v", got[3].e.Start, want)
	}
}

func TestPlayerSkipsMissedPasses(t *testing.T) {
	var got []scheduled
	p := NewPlayer(recorder(&got))
	p.SetLookahead(0)
	if err := p.Load(prog(true)); err != nil {
		t.Fatalf("load: %v", err)
	}
	p.Start(t0)
	p.Tick(t0)

	// the ticker stalls for a thousand passes
	span := 1500 * time.Millisecond
	p.Tick(t0.Add(1000*span + 100*time.Millisecond))
	if len(got) != 4 {
		t.Fatalf("expected rest of first pass + first step of current, got %d", len(got))
	}
	if p.Pass() != 1000 {
		t.Fatalf("pass = %d, want 1000", p.Pass())
	}
	if want := t0.Add(1000 * span); !got[3].e.Start.Equal(want) {
		t.Fatalf("resumed pass start = %v, want %v", got[3].e.Start, want)
	}

	p.Tick(t0.Add(1001*span + 100*time.Millisecond))
	if len(got) != 7 || p.Pass() != 1001 {
		t.Fatalf("next pass: dispatched=%d pass=%d", len(got), p.Pass())
	}
}

func TestProgramValidateRejectsUnrepresentableTimes(t *testing.T) {
	for name, bad := range map[string]Program{
		"huge ramp":     {Steps: []Step{{Target: 1, RampS: 1e12}}},
		"nan hold":      {Steps: []Step{{Target: 1, HoldS: math.NaN()}}},
		"inf atS":       {Steps: []Step{{Target: 1, AtS: math.Inf(1)}}},
		"end overflows": {Steps: []Step{{Target: 1, RampS: 5e9, AtS: 5e9}}},
		"huge duration": {DurationS: 1e12, Loop: true, Steps: []Step{{Target: 1, RampS: 1}}},
	} {
		if err := bad.Validate(); !errors.Is(err, envelope.ErrInvalid) {
			t.Fatalf("%s: expected envelope.ErrInvalid, got %v", name, err)
		}
	}
}

func TestPlayerPauseShiftsTimeline(t *testing.T) {
	var got []scheduled
	p := NewPlayer(recorder(&got))
	p.SetLookahead(0)
	_ = p.Load(prog(false))
	p.Start(t0)
	p.Tick(t0)
	p.Pause(t0.Add(100 * time.Millisecond))
	p.Tick(t0.Add(5 * time.Second))
	if len(got) != 1 || p.State() != Paused {
		t.Fatalf("paused player dispatched: %d %s", len(got), p.State())
	}
	p.Resume(t0.Add(2100 * time.Millisecond))
	p.Tick(t0.Add(3 * time.Second))
	if len(got) != 3 {
		t.Fatalf("expected remaining steps after resume, got %d", len(got))
	}
	if want := t0.Add(3 * time.Second); !got[1].e.Start.Equal(want) {
		t.Fatalf("resumed start = %v, want %v", got[1].e.Start, want)
	}
}

func TestPlayerStopClears(t *testing.T) {
	cleared := 0
	failing := Hooks{
		Schedule: func(pixel.Coord, envelope.Envelope) error { return errors.New("coordinate not found") },
		Clear:    func() { cleared++ },
	}
	p := NewPlayer(failing)
	_ = p.Load(prog(false))
	p.Start(t0)
	p.Tick(t0.Add(time.Second))
	if p.Failed() != 3 {
		t.Fatalf("failed = %d, want 3", p.Failed())
	}
	p.Stop()
	if cleared != 1 || p.State() != Idle {
		t.Fatalf("stop: cleared=%d state=%s", cleared, p.State())
	}
}

func TestLoadJSONAndYAML(t *testing.T) {
	dir := t.TempDir()
	js := filepath.Join(dir, "show.json")
	if err := os.WriteFile(js, []byte(`{"version":"steps.v1","loop":true,"steps":[{"row":0,"col":0,"target":1,"rampS":0.5,"atS":0}]}`), 0644); err != nil {
		t.Fatal(err)
	}
	p, err := Load(js)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if !p.Loop || len(p.Steps) != 1 || p.Steps[0].RampS != 0.5 {
		t.Fatalf("unexpected program: %#v", p)
	}

	ym := filepath.Join(dir, "show.yaml")
	src := "version: steps.v1\nsteps:\n  - {row: 1, col: 2, target: 0.5, holdS: 1, atS: 0.25}\n"
	if err := os.WriteFile(ym, []byte(src), 0644); err != nil {
		t.Fatal(err)
	}
	p, err = Load(ym)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if p.Steps[0].Coord() != (pixel.Coord{Row: 1, Col: 2}) || p.Steps[0].At() != 250*time.Millisecond {
		t.Fatalf("unexpected step: %#v", p.Steps[0])
	}

	empty := filepath.Join(dir, "empty.json")
	_ = os.WriteFile(empty, []byte(`{"steps":[]}`), 0644)
	if _, err := Load(empty); !errors.Is(err, ErrNoSteps) {
		t.Fatalf("expected ErrNoSteps, got %v", err)
	}
}
