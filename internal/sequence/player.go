package sequence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultLookahead is how far ahead of their start steps are handed to the
// engine. Steps are queued with an absolute start, so every pixel of a
// program starts in step regardless of when its worker picks it up.
const DefaultLookahead = 250 * time.Millisecond

// NewPlayer constructs a Player with provided hooks.
func NewPlayer(h Hooks) *Player {
	return &Player{state: Idle, hooks: h, lookahead: DefaultLookahead}
}

// Player dispatches a Program's steps to the engine as program time
// advances. It is driven by Tick (or Run, which ticks on a timer) and is
// safe for concurrent use.
type Player struct {
	mu        sync.Mutex
	state     PlayerState
	hooks     Hooks
	prog      Program
	lookahead time.Duration

	base     time.Time // program time zero of the current pass
	pausedAt time.Time
	idx      int // next step to dispatch
	pass     int
	failed   int
}

// SetLookahead changes the dispatch lead. Non-positive values dispatch each
// step exactly when it is due.
func (p *Player) SetLookahead(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookahead = max(d, 0)
}

// Load replaces the current program and resets to Idle.
func (p *Player) Load(prog Program) error {
	if err := prog.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prog = prog
	p.state = Idle
	p.idx, p.pass, p.failed = 0, 0, 0
	return nil
}

// Start begins playback with program time zero at now.
func (p *Player) Start(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Running || len(p.prog.Steps) == 0 {
		return
	}
	if p.state == Paused {
		p.base = p.base.Add(now.Sub(p.pausedAt))
	} else {
		p.base = now
		p.idx, p.pass = 0, 0
	}
	p.state = Running
}

// Pause stops dispatching new steps. Steps already handed to the engine
// keep playing.
func (p *Player) Pause(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Running {
		p.state = Paused
		p.pausedAt = now
	}
}

// Resume continues after Pause, shifting the timeline by the pause length.
func (p *Player) Resume(now time.Time) {
	p.mu.Lock()
	paused := p.state == Paused
	p.mu.Unlock()
	if paused {
		p.Start(now)
	}
}

// Stop resets to the start and drops queued steps through Hooks.Clear.
func (p *Player) Stop() {
	p.mu.Lock()
	p.state = Idle
	p.idx, p.pass = 0, 0
	p.mu.Unlock()
	if p.hooks.Clear != nil {
		p.hooks.Clear()
	}
}

func (p *Player) State() PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Pass is the number of completed loops.
func (p *Player) Pass() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pass
}

// Failed counts steps the engine rejected.
func (p *Player) Failed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}

// Tick dispatches every step due by now+lookahead. At the end of the program
// it either wraps (Loop) or returns to Idle once the last step has played.
// A looping program that falls a whole pass behind resumes at the pass
// containing now.
func (p *Player) Tick(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Running {
		return
	}
	horizon := now.Add(p.lookahead)
	for {
		for p.idx < len(p.prog.Steps) {
			s := p.prog.Steps[p.idx]
			start := p.base.Add(s.At())
			if start.After(horizon) {
				return
			}
			p.dispatch(s, start)
			p.idx++
		}
		end := p.base.Add(p.prog.Span())
		if !p.prog.Loop {
			if !now.Before(end) {
				p.state = Idle
			}
			return
		}
		// next pass starts where this one ends; passes that went by
		// between ticks are skipped, not replayed
		span := p.prog.Span()
		p.base = end
		p.idx = 0
		p.pass++
		if behind := now.Sub(end); behind >= span {
			n := behind / span
			p.base = p.base.Add(n * span)
			p.pass += int(n)
			log.Debug().Int64("skipped", int64(n)).Int("pass", p.pass).Msg("program fell behind, skipping passes")
		}
	}
}

func (p *Player) dispatch(s Step, start time.Time) {
	if p.hooks.Schedule == nil {
		return
	}
	e, err := s.Envelope(start)
	if err == nil {
		err = p.hooks.Schedule(s.Coord(), e)
	}
	if err != nil {
		p.failed++
		log.Warn().Err(err).Int("row", s.Row).Int("col", s.Col).Float64("atS", s.AtS).Msg("program step skipped")
	}
}

// Run ticks every interval until ctx is done or a non-looping program ends.
func (p *Player) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		p.Tick(time.Now())
		if p.State() == Idle {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
