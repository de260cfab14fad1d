package led

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
)

// DefaultGPIOFrequency is used when the config leaves frequency_hz empty.
const DefaultGPIOFrequency = 1 * physic.KiloHertz

// GPIO drives LEDs wired directly to PWM-capable pins. The channel is the
// pin number (BCM numbering on a Raspberry Pi).
type GPIO struct {
	freq physic.Frequency

	mu     sync.RWMutex
	pins   map[int]gpio.PinOut
	closed bool
}

// NewGPIO wraps already resolved pins, keyed by number.
func NewGPIO(freq physic.Frequency, pins map[int]gpio.PinOut) *GPIO {
	if freq <= 0 {
		freq = DefaultGPIOFrequency
	}
	return &GPIO{freq: freq, pins: pins}
}

// OpenGPIO resolves pins through the periph registry. led.Init must have run.
func OpenGPIO(freq physic.Frequency, numbers ...int) (*GPIO, error) {
	pins := make(map[int]gpio.PinOut, len(numbers))
	for _, n := range numbers {
		p := gpioreg.ByName(strconv.Itoa(n))
		if p == nil {
			return nil, fmt.Errorf("gpio pin %d not found", n)
		}
		if err := p.Out(gpio.Low); err != nil {
			return nil, fmt.Errorf("gpio pin %d: %w", n, err)
		}
		pins[n] = p
	}
	return NewGPIO(freq, pins), nil
}

func (g *GPIO) String() string { return fmt.Sprintf("gpio(%d pins @ %s)", len(g.pins), g.freq) }

func (g *GPIO) pin(channel int) (gpio.PinOut, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return nil, ErrClosed
	}
	p, ok := g.pins[channel]
	if !ok {
		return nil, fmt.Errorf("gpio pin %d not configured", channel)
	}
	return p, nil
}

// toDuty maps [0,1] onto periph's 24-bit duty range.
func toDuty(b float64) gpio.Duty {
	return gpio.Duty(math.Round(clamp01(b) * float64(gpio.DutyMax)))
}

func (g *GPIO) Write(channel int, brightness float64) error {
	p, err := g.pin(channel)
	if err != nil {
		return err
	}
	d := toDuty(brightness)
	if d == 0 {
		return p.Out(gpio.Low)
	}
	return p.PWM(d, g.freq)
}

func (g *GPIO) Off(channel int) error {
	p, err := g.pin(channel)
	if err != nil {
		return err
	}
	return p.Out(gpio.Low)
}

func (g *GPIO) Clear() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return ErrClosed
	}
	var errs []error
	for _, n := range g.numbers() {
		if err := g.pins[n].Out(gpio.Low); err != nil {
			errs = append(errs, fmt.Errorf("gpio pin %d: %w", n, err))
		}
	}
	return errors.Join(errs...)
}

func (g *GPIO) Shutdown() error {
	err := g.Clear()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	errs := []error{err}
	for _, n := range g.numbers() {
		if herr := g.pins[n].Halt(); herr != nil {
			errs = append(errs, fmt.Errorf("gpio pin %d halt: %w", n, herr))
		}
	}
	g.closed = true
	return errors.Join(errs...)
}

// numbers returns configured pin numbers in ascending order. Caller holds mu.
func (g *GPIO) numbers() []int {
	out := make([]int, 0, len(g.pins))
	for n := range g.pins {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}
