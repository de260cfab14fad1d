package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	diag "github.com/coreman2200/funtimes-ledgrid/internal/diagnostics"
	"github.com/coreman2200/funtimes-ledgrid/internal/envelope"
	"github.com/coreman2200/funtimes-ledgrid/internal/pattern"
	"github.com/coreman2200/funtimes-ledgrid/internal/pixel"
	"github.com/coreman2200/funtimes-ledgrid/internal/sequence"
	"github.com/coreman2200/funtimes-ledgrid/internal/tests"
)

// Command ops.
const (
	OpSchedule = "schedule"
	OpSet      = "set"
	OpFill     = "fill"
	OpClear    = "clear"
	OpStop     = "stop"
	OpPattern  = "pattern"
	OpTest     = "runTest"
	OpProgram  = "program"
	OpPause    = "pause"
	OpResume   = "resume"
	OpTrace    = "trace"
)

var ErrUnknownOp = errors.New("unknown command")

// Command is one control request, from the interactive console or the
// /control websocket. Durations are in seconds.
type Command struct {
	Op      string            `json:"op"`
	Row     int               `json:"row,omitempty"`
	Col     int               `json:"col,omitempty"`
	Target  float64           `json:"target,omitempty"`
	Initial float64           `json:"initial,omitempty"`
	RampS   float64           `json:"rampS,omitempty"`
	HoldS   float64           `json:"holdS,omitempty"`
	FadeS   float64           `json:"fadeS,omitempty"`
	Name    string            `json:"name,omitempty"`
	Path    string            `json:"path,omitempty"`
	Program *sequence.Program `json:"program,omitempty"`
}

// Reply reports what a command did.
type Reply struct {
	Op      string `json:"op"`
	Applied int    `json:"applied,omitempty"`
	Skipped int    `json:"skipped,omitempty"`
	Dropped int    `json:"dropped,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Exec runs cmd against the core. Self tests run in the background until they
// finish, another test or a stop replaces them, or the core closes.
func (c *Core) Exec(cmd Command) (Reply, error) {
	r := Reply{Op: cmd.Op}
	switch cmd.Op {
	case OpSchedule:
		ramp, err := envelope.FromSeconds("ramp", cmd.RampS)
		if err != nil {
			return r, err
		}
		hold, err := envelope.FromSeconds("hold", cmd.HoldS)
		if err != nil {
			return r, err
		}
		fade, err := envelope.FromSeconds("fade", cmd.FadeS)
		if err != nil {
			return r, err
		}
		e, err := envelope.New(cmd.Target, ramp, hold, fade, envelope.WithInitial(cmd.Initial))
		if err != nil {
			return r, err
		}
		if err := c.Coord.Schedule(pixel.Coord{Row: cmd.Row, Col: cmd.Col}, e); err != nil {
			return r, err
		}
		r.Applied = 1

	case OpSet:
		if err := c.Coord.Set(pixel.Coord{Row: cmd.Row, Col: cmd.Col}, cmd.Target); err != nil {
			return r, err
		}
		r.Applied = 1

	case OpFill:
		ramp, err := envelope.FromSeconds("ramp", cmd.RampS)
		if err != nil {
			return r, err
		}
		res, err := c.Coord.Fill(cmd.Target, ramp)
		if err != nil {
			return r, err
		}
		r.Applied, r.Skipped = res.Applied, res.Skipped

	case OpClear:
		r.Dropped = c.Coord.ClearAllPending()
		res, err := c.Coord.Fill(0, 0)
		if err != nil {
			return r, err
		}
		r.Applied = res.Applied

	case OpStop:
		c.cancelTest()
		c.Player.Stop()
		c.Coord.StopAll(c.Cfg.StopTimeout)

	case OpPattern:
		p, ok := c.Patterns.Get(cmd.Name)
		if !ok {
			return r, fmt.Errorf("%w: pattern %q (have %s)", ErrUnknownOp, cmd.Name, strings.Join(c.Patterns.List(), ", "))
		}
		res, err := pattern.Play(c.Coord, p, 0)
		if err != nil {
			return r, err
		}
		r.Applied, r.Skipped = res.Applied, res.Skipped
		if res.Skipped > 0 {
			c.Feed.Publish(diag.Diagnostic{
				Severity: diag.Warn, Code: diag.CodeBatchSkipped,
				Summary:  "Pattern skipped unknown pixels",
				Evidence: map[string]any{"pattern": cmd.Name, "skipped": res.Skipped},
			})
		}

	case OpTest:
		if err := c.runTest(tests.Kind(cmd.Name)); err != nil {
			return r, err
		}
		r.Detail = cmd.Name

	case OpProgram:
		if err := c.playProgram(cmd); err != nil {
			c.Feed.Publish(diag.Diagnostic{Severity: diag.Err, Code: diag.CodeProgramFailed, Summary: "Program rejected", Detail: err.Error()})
			return r, err
		}

	case OpPause:
		c.Player.Pause(time.Now())
	case OpResume:
		c.Player.Resume(time.Now())

	case OpTrace:
		lvl := zerolog.InfoLevel
		if cmd.Name == "on" {
			lvl = zerolog.TraceLevel
		}
		zerolog.SetGlobalLevel(lvl)
		r.Detail = lvl.String()

	default:
		return r, fmt.Errorf("%w: %q", ErrUnknownOp, cmd.Op)
	}
	return r, nil
}

func (c *Core) cancelTest() {
	c.testMu.Lock()
	defer c.testMu.Unlock()
	if c.testCancel != nil {
		c.testCancel()
		c.testCancel = nil
	}
}

func (c *Core) runTest(kind tests.Kind) error {
	known := false
	for _, k := range tests.Kinds() {
		known = known || k == kind
	}
	if !known {
		c.Feed.Publish(diag.Diagnostic{
			Severity: diag.Warn, Code: diag.CodeTestUnknown, Summary: "Unknown test name",
			Evidence: map[string]any{"name": string(kind)},
		})
		return fmt.Errorf("%w: test %q", ErrUnknownOp, kind)
	}
	c.cancelTest()
	c.testMu.Lock()
	ctx, cancel := context.WithCancel(c.ctx)
	c.testCancel = cancel
	c.testMu.Unlock()

	c.Feed.Publish(diag.Diagnostic{Severity: diag.Info, Code: diag.CodeTestRunning, Summary: "Running test", Detail: string(kind)})
	go func() {
		defer cancel()
		err := tests.Run(ctx, c.Coord, tests.Plan{Kind: kind})
		d := diag.Diagnostic{Severity: diag.Info, Code: diag.CodeTestDone, Summary: "Test complete", Detail: string(kind)}
		if err != nil {
			d.Severity, d.Summary = diag.Warn, "Test aborted: "+err.Error()
		}
		c.Feed.Publish(d)
	}()
	return nil
}

func (c *Core) playProgram(cmd Command) error {
	var prog sequence.Program
	switch {
	case cmd.Program != nil:
		prog = *cmd.Program
	case cmd.Path != "":
		p, err := sequence.Load(cmd.Path)
		if err != nil {
			return err
		}
		prog = p
	default:
		return errors.New("program: neither steps nor path given")
	}
	c.Player.Stop()
	if err := c.Player.Load(prog); err != nil {
		return err
	}
	c.Player.Start(time.Now())
	c.Feed.Publish(diag.Diagnostic{
		Severity: diag.Info, Code: diag.CodeProgramStart, Summary: "Program started",
		Evidence: map[string]any{"steps": len(prog.Steps), "loop": prog.Loop},
	})
	log.Info().Int("steps", len(prog.Steps)).Bool("loop", prog.Loop).Msg("program started")
	return nil
}

// Level reads a brightness argument. Values above 1 are taken as 8-bit
// levels (0..255).
func Level(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("brightness %q: %w", s, err)
	}
	if v > 1 {
		if v > 255 {
			return 0, fmt.Errorf("brightness %q: %w", s, envelope.ErrInvalid)
		}
		v /= 255
	}
	return v, nil
}

// ParseLine turns an interactive console line into a Command. quit and exit
// are left to the caller.
//
//	set r c b
//	pulse r c b ramp hold fade
//	fill b [ramp]
//	clear | stop | pause | resume
//	pattern name
//	test name
//	program path
//	trace on|off
func ParseLine(line string) (Command, error) {
	f := strings.Fields(strings.ToLower(line))
	if len(f) == 0 {
		return Command{}, errors.New("empty command")
	}
	usage := func(u string) (Command, error) {
		return Command{}, fmt.Errorf("usage: %s", u)
	}
	ints := func(ss ...string) ([]int, error) {
		out := make([]int, len(ss))
		for i, s := range ss {
			n, err := strconv.Atoi(s)
			if err != nil {
				return nil, fmt.Errorf("%q is not an integer", s)
			}
			out[i] = n
		}
		return out, nil
	}
	secs := func(ss ...string) ([]float64, error) {
		out := make([]float64, len(ss))
		for i, s := range ss {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not a number of seconds", s)
			}
			out[i] = v
		}
		return out, nil
	}

	switch f[0] {
	case "set":
		if len(f) != 4 {
			return usage("set ROW COL BRIGHTNESS")
		}
		rc, err := ints(f[1:3]...)
		if err != nil {
			return Command{}, err
		}
		b, err := Level(f[3])
		if err != nil {
			return Command{}, err
		}
		return Command{Op: OpSet, Row: rc[0], Col: rc[1], Target: b}, nil

	case "pulse":
		if len(f) != 7 {
			return usage("pulse ROW COL BRIGHTNESS RAMP HOLD FADE")
		}
		rc, err := ints(f[1:3]...)
		if err != nil {
			return Command{}, err
		}
		b, err := Level(f[3])
		if err != nil {
			return Command{}, err
		}
		d, err := secs(f[4:]...)
		if err != nil {
			return Command{}, err
		}
		return Command{Op: OpSchedule, Row: rc[0], Col: rc[1], Target: b, RampS: d[0], HoldS: d[1], FadeS: d[2]}, nil

	case "fill":
		if len(f) != 2 && len(f) != 3 {
			return usage("fill BRIGHTNESS [RAMP]")
		}
		b, err := Level(f[1])
		if err != nil {
			return Command{}, err
		}
		cmd := Command{Op: OpFill, Target: b}
		if len(f) == 3 {
			d, err := secs(f[2])
			if err != nil {
				return Command{}, err
			}
			cmd.RampS = d[0]
		}
		return cmd, nil

	case OpClear, OpStop, OpPause, OpResume:
		if len(f) != 1 {
			return usage(f[0])
		}
		return Command{Op: f[0]}, nil

	case "pattern", "test", "program":
		if len(f) != 2 {
			return usage(f[0] + " NAME")
		}
		switch f[0] {
		case "pattern":
			return Command{Op: OpPattern, Name: f[1]}, nil
		case "test":
			return Command{Op: OpTest, Name: f[1]}, nil
		}
		// paths keep their case
		return Command{Op: OpProgram, Path: strings.Fields(line)[1]}, nil

	case "trace":
		if len(f) != 2 || (f[1] != "on" && f[1] != "off") {
			return usage("trace on|off")
		}
		return Command{Op: OpTrace, Name: f[1]}, nil
	}
	return Command{}, fmt.Errorf("%w: %q", ErrUnknownOp, f[0])
}
