package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"periph.io/x/conn/v3/physic"

	"github.com/coreman2200/funtimes-ledgrid/internal/animation"
	"github.com/coreman2200/funtimes-ledgrid/internal/config"
	diag "github.com/coreman2200/funtimes-ledgrid/internal/diagnostics"
	"github.com/coreman2200/funtimes-ledgrid/internal/led"
	"github.com/coreman2200/funtimes-ledgrid/internal/matrix"
	"github.com/coreman2200/funtimes-ledgrid/internal/pattern"
	"github.com/coreman2200/funtimes-ledgrid/internal/pixel"
	"github.com/coreman2200/funtimes-ledgrid/internal/sequence"
)

// Hardware opens the physical sinks.
type Hardware interface {
	Init() error
	GPIO(freq physic.Frequency, pins []int) (led.Sink, error)
	Board(bus string, addr uint16, freq physic.Frequency) (led.Sink, error)
	Close() error
}

// Periph is the Hardware backed by periph.io host drivers.
type Periph struct {
	boards *led.Boards
}

func (p *Periph) Init() error { return led.Init() }

func (p *Periph) GPIO(freq physic.Frequency, pins []int) (led.Sink, error) {
	g, err := led.OpenGPIO(freq, pins...)
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (p *Periph) Board(bus string, addr uint16, freq physic.Frequency) (led.Sink, error) {
	if p.boards == nil {
		b, err := led.OpenBoards(bus)
		if err != nil {
			return nil, err
		}
		p.boards = b
	}
	b, err := p.boards.Board(addr, freq)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (p *Periph) Close() error {
	if p.boards == nil {
		return nil
	}
	return p.boards.Close()
}

// Options tune InitCore.
type Options struct {
	SimOnly  bool     // never touch hardware
	Console  bool     // simulated pixels are previewed on the terminal
	Fallback bool     // simulate when hardware fails to open
	Hardware Hardware // nil: Periph
	Logger   *zerolog.Logger
}

// Core is the running engine plus everything wired around it.
type Core struct {
	Cfg      *config.Config
	Coord    *animation.Coordinator
	Patterns *pattern.Registry
	Player   *sequence.Player
	Feed     *diag.Feed
	Driver   string   // "hardware", "sim" or "console"
	Sim      *led.Sim // set when Driver is "sim"

	hw     Hardware
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	testMu     sync.Mutex
	testCancel context.CancelFunc
}

// InitCore builds sinks from cfg, the matrix and coordinator on top of them,
// and starts the program player loop. Close releases it all.
func InitCore(ctx context.Context, cfg *config.Config, opts Options) (*Core, error) {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	hw := opts.Hardware
	if hw == nil {
		hw = &Periph{}
	}
	c := &Core{
		Cfg:      cfg,
		Patterns: pattern.Builtins(),
		Feed:     diag.NewFeed(64),
		hw:       hw,
	}

	bindings := cfg.Entries()
	var entries []matrix.Entry
	if opts.SimOnly || cfg.SimOnly || !needsHardware(bindings) {
		entries = c.simulated(bindings, opts.Console)
	} else {
		var err error
		entries, err = c.hardware(bindings)
		if err != nil {
			_ = hw.Close()
			if !opts.Fallback {
				return nil, err
			}
			logger.Warn().Err(err).Msg("hardware unavailable, falling back to simulation")
			c.Feed.Publish(diag.Diagnostic{
				Severity: diag.Warn, Code: diag.CodeHWFallback,
				Summary:        "Hardware unavailable, running simulated",
				Detail:         err.Error(),
				LikelyCauses:   []string{"not running on the target board", "i2c or gpio not enabled", "missing permissions for /dev/i2c-* or /dev/gpiomem"},
				SuggestedFixes: []string{"run with -sim-only", "enable i2c in raspi-config", "run as a user in the gpio and i2c groups"},
			})
			entries = c.simulated(bindings, opts.Console)
		}
	}

	m, err := matrix.New(entries, pixel.Options{
		StepInterval: cfg.StepInterval,
		Logger:       &logger,
		Hooks:        pixel.Hooks{Fault: newFaultReporter(c.Feed, time.Second).report},
	})
	if err != nil {
		_ = hw.Close()
		return nil, err
	}
	c.Coord = animation.New(m, &logger)
	c.Player = sequence.NewPlayer(sequence.Hooks{
		Schedule: c.Coord.Schedule,
		Clear:    func() { c.Coord.ClearAllPending() },
	})

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case now := <-tick.C:
				c.Player.Tick(now)
			}
		}
	}()

	rows, cols := m.Bounds()
	logger.Info().Str("driver", c.Driver).Int("pixels", m.Len()).Int("rows", rows).Int("cols", cols).Msg("core ready")
	return c, nil
}

func needsHardware(bs []config.Binding) bool {
	for _, b := range bs {
		if b.Kind == config.KindGPIO || b.Kind == config.KindPCA9685 {
			return true
		}
	}
	return false
}

// simulated binds every pixel to one in-memory (or console) sink, channel
// row*cols+col.
func (c *Core) simulated(bs []config.Binding, console bool) []matrix.Entry {
	rows, cols := 0, 0
	for _, b := range bs {
		rows, cols = max(rows, b.Coord.Row+1), max(cols, b.Coord.Col+1)
	}
	var sink led.Sink
	if console {
		sink = led.NewConsole(rows * cols)
		c.Driver = "console"
	} else {
		c.Sim = led.NewSim()
		sink = c.Sim
		c.Driver = "sim"
	}
	sink = c.shape(sink)
	out := make([]matrix.Entry, len(bs))
	for i, b := range bs {
		out[i] = matrix.Entry{Coord: b.Coord, Sink: sink, Channel: b.Coord.Row*cols + b.Coord.Col}
	}
	return out
}

func (c *Core) hardware(bs []config.Binding) (_ []matrix.Entry, err error) {
	if err := c.hw.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	var pins []int
	for _, b := range bs {
		if b.Kind == config.KindGPIO {
			pins = append(pins, b.Pin)
		}
	}
	var gpioSink led.Sink
	if len(pins) > 0 {
		gpioSink, err = c.hw.GPIO(physic.Frequency(c.Cfg.GPIO.FrequencyHz)*physic.Hertz, pins)
		if err != nil {
			return nil, fmt.Errorf("gpio: %w", err)
		}
		defer func() {
			if err != nil {
				_ = gpioSink.Shutdown()
			}
		}()
		gpioSink = c.shape(gpioSink)
	}

	var sim *led.Sim
	var simSink led.Sink
	boards := map[uint16]led.Sink{}
	out := make([]matrix.Entry, 0, len(bs))
	for _, b := range bs {
		e := matrix.Entry{Coord: b.Coord, Channel: b.Channel}
		switch b.Kind {
		case config.KindGPIO:
			e.Sink, e.Channel = gpioSink, b.Pin
		case config.KindPCA9685:
			s, ok := boards[b.Address]
			if !ok {
				bc, _ := c.Cfg.Board(b.Address)
				s, err = c.hw.Board(c.Cfg.I2C.Bus, b.Address, physic.Frequency(bc.FrequencyHz)*physic.Hertz)
				if err != nil {
					return nil, fmt.Errorf("pca9685@0x%02X: %w", b.Address, err)
				}
				s = c.shape(s)
				boards[b.Address] = s
			}
			e.Sink = s
		case config.KindSim, config.KindConsole:
			// mixed configs: non-hardware pixels share one recording sink
			if sim == nil {
				sim = led.NewNamedSim("sim")
				simSink = c.shape(sim)
			}
			e.Sink = simSink
		default:
			return nil, errors.New("unknown sink type " + string(b.Kind))
		}
		out = append(out, e)
	}
	c.Driver = "hardware"
	c.Sim = sim
	return out, nil
}

func (c *Core) shape(s led.Sink) led.Sink { return led.Shape(s, led.Output(c.Cfg.Output)) }

// Close stops the player loop, turns every pixel off and releases hardware.
func (c *Core) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()
		c.Player.Stop()
		c.Coord.Shutdown(c.Cfg.StopTimeout)
		err = c.hw.Close()
	})
	return err
}

// faultReporter turns sink write failures into diagnostics, at most one per
// pixel per interval.
type faultReporter struct {
	feed     *diag.Feed
	interval time.Duration

	mu   sync.Mutex
	last map[pixel.Coord]time.Time
}

func newFaultReporter(feed *diag.Feed, interval time.Duration) *faultReporter {
	return &faultReporter{feed: feed, interval: interval, last: map[pixel.Coord]time.Time{}}
}

func (f *faultReporter) report(c pixel.Coord, err error) {
	now := time.Now()
	f.mu.Lock()
	if t, ok := f.last[c]; ok && now.Sub(t) < f.interval {
		f.mu.Unlock()
		return
	}
	f.last[c] = now
	f.mu.Unlock()
	f.feed.Publish(diag.Diagnostic{
		Severity: diag.Err,
		Code:     diag.CodeWriteFailed,
		Summary:  "Sink write failed",
		Detail:   err.Error(),
		Evidence: map[string]any{"row": c.Row, "col": c.Col},
	})
}
