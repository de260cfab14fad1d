package led

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/pca9685"
)

const (
	// PCA9685Channels is the number of PWM outputs on one board.
	PCA9685Channels = 16
	// pcaMaxTick is the top of the 12-bit PWM counter.
	pcaMaxTick = 4095

	DefaultPCA9685Frequency = 1 * physic.KiloHertz
)

// pwmController is the subset of *pca9685.Dev used by the sink.
type pwmController interface {
	SetPwm(channel int, on, off gpio.Duty) error
	SetAllPwm(on, off gpio.Duty) error
}

// PCA9685 drives single-color LEDs on the 16 channels of one PCA9685 board.
// Writes from multiple pixel workers are serialized on the board's bus.
type PCA9685 struct {
	addr uint16

	mu     sync.Mutex
	dev    pwmController
	closed bool
}

func newPCA9685(addr uint16, dev pwmController) *PCA9685 {
	return &PCA9685{addr: addr, dev: dev}
}

func (p *PCA9685) String() string { return fmt.Sprintf("pca9685@0x%02X", p.addr) }

// Address returns the board's I2C address.
func (p *PCA9685) Address() uint16 { return p.addr }

func toTick(b float64) gpio.Duty {
	return gpio.Duty(math.Round(clamp01(b) * pcaMaxTick))
}

func checkChannel(channel int) error {
	if channel < 0 || channel >= PCA9685Channels {
		return fmt.Errorf("pca9685 channel %d out of range [0,%d)", channel, PCA9685Channels)
	}
	return nil
}

func (p *PCA9685) set(channel int, off gpio.Duty) error {
	if err := checkChannel(channel); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if err := p.dev.SetPwm(channel, 0, off); err != nil {
		return fmt.Errorf("%s channel %d: %w", p, channel, err)
	}
	return nil
}

func (p *PCA9685) Write(channel int, brightness float64) error {
	return p.set(channel, toTick(brightness))
}

func (p *PCA9685) Off(channel int) error { return p.set(channel, 0) }

func (p *PCA9685) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if err := p.dev.SetAllPwm(0, 0); err != nil {
		return fmt.Errorf("%s clear: %w", p, err)
	}
	return nil
}

// Shutdown turns every channel off. The I2C bus is owned by Boards.
func (p *PCA9685) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.dev.SetAllPwm(0, 0); err != nil {
		return fmt.Errorf("%s shutdown: %w", p, err)
	}
	return nil
}

// Boards is the registry of PCA9685 boards sharing one I2C bus. A board is
// initialized the first time its address is requested and reused after.
type Boards struct {
	mu     sync.Mutex
	open   func(addr uint16, freq physic.Frequency) (pwmController, error)
	bus    io.Closer
	boards map[uint16]*PCA9685
}

// OpenBoards opens the named I2C bus ("" for the default bus).
func OpenBoards(busName string) (*Boards, error) {
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", busName, err)
	}
	return newBoards(bus, func(addr uint16, freq physic.Frequency) (pwmController, error) {
		return openPCA9685(bus, addr, freq)
	}), nil
}

func openPCA9685(bus i2c.Bus, addr uint16, freq physic.Frequency) (pwmController, error) {
	dev, err := pca9685.NewI2C(bus, addr)
	if err != nil {
		return nil, err
	}
	if err := dev.SetPwmFreq(freq); err != nil {
		return nil, err
	}
	return dev, nil
}

func newBoards(bus io.Closer, open func(uint16, physic.Frequency) (pwmController, error)) *Boards {
	return &Boards{open: open, bus: bus, boards: map[uint16]*PCA9685{}}
}

// Board returns the sink for the board at addr, initializing it on first use.
func (b *Boards) Board(addr uint16, freq physic.Frequency) (*PCA9685, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.boards[addr]; ok {
		return p, nil
	}
	if b.open == nil {
		return nil, ErrClosed
	}
	if freq <= 0 {
		freq = DefaultPCA9685Frequency
	}
	dev, err := b.open(addr, freq)
	if err != nil {
		return nil, fmt.Errorf("pca9685@0x%02X: %w", addr, err)
	}
	p := newPCA9685(addr, dev)
	b.boards[addr] = p
	return p, nil
}

// Addresses lists initialized boards, ascending.
func (b *Boards) Addresses() []uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint16, 0, len(b.boards))
	for a := range b.boards {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close shuts every board down and releases the bus.
func (b *Boards) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for _, p := range b.boards {
		errs = append(errs, p.Shutdown())
	}
	b.boards = map[uint16]*PCA9685{}
	b.open = nil
	if b.bus != nil {
		errs = append(errs, b.bus.Close())
		b.bus = nil
	}
	return errors.Join(errs...)
}
