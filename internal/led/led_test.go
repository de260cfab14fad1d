package led

import (
	"errors"
	"image"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
)

func TestSimRecordsAndClamps(t *testing.T) {
	s := NewSim()
	require.NoError(t, s.Write(3, 0.5))
	require.NoError(t, s.Write(3, 1.7))
	require.NoError(t, s.Off(4))

	v, ok := s.Level(3)
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)
	assert.Equal(t, []float64{0.5, 1.0}, s.Writes(3))
	assert.Equal(t, []int{3, 4}, s.Channels())

	require.NoError(t, s.Clear())
	v, _ = s.Level(3)
	assert.Equal(t, 0.0, v)
	assert.Equal(t, 1, s.Count(OpClear))

	require.NoError(t, s.Shutdown())
	assert.ErrorIs(t, s.Write(3, 1), ErrClosed)
	assert.Equal(t, 1, s.Shutdowns())
}

func TestSimFailWrites(t *testing.T) {
	s := NewSim()
	boom := errors.New("i2c nack")
	s.FailWrites(1, boom)
	assert.ErrorIs(t, s.Write(1, 0.2), boom)
	assert.NoError(t, s.Write(2, 0.2))

	s.FailWrites(1, nil)
	assert.NoError(t, s.Write(1, 0.2))
}

func TestGPIOWriteUsesPWMDuty(t *testing.T) {
	p12 := &gpiotest.Pin{N: "GPIO12", Num: 12}
	p13 := &gpiotest.Pin{N: "GPIO13", Num: 13}
	g := NewGPIO(2*physic.KiloHertz, map[int]gpio.PinOut{12: p12, 13: p13})

	require.NoError(t, g.Write(12, 0.5))
	assert.Equal(t, gpio.DutyHalf, p12.D)
	assert.Equal(t, 2*physic.KiloHertz, p12.F)

	require.NoError(t, g.Write(13, 1))
	assert.Equal(t, gpio.DutyMax, p13.D)

	p13.L = gpio.High
	require.NoError(t, g.Off(13))
	assert.Equal(t, gpio.Low, p13.L)

	assert.Error(t, g.Write(99, 1))
}

func TestGPIOClearAndShutdown(t *testing.T) {
	p := &gpiotest.Pin{N: "GPIO18", Num: 18, L: gpio.High}
	g := NewGPIO(0, map[int]gpio.PinOut{18: p})

	require.NoError(t, g.Clear())
	assert.Equal(t, gpio.Low, p.L)

	require.NoError(t, g.Shutdown())
	assert.ErrorIs(t, g.Write(18, 1), ErrClosed)
	assert.NoError(t, g.Shutdown())
}

type fakePWM struct {
	mu   sync.Mutex
	off  map[int]gpio.Duty
	all  int
	fail error
}

func newFakePWM() *fakePWM { return &fakePWM{off: map[int]gpio.Duty{}} }

func (f *fakePWM) SetPwm(channel int, on, off gpio.Duty) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.off[channel] = off
	return nil
}

func (f *fakePWM) SetAllPwm(on, off gpio.Duty) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.all++
	for ch := range f.off {
		f.off[ch] = off
	}
	return nil
}

func TestPCA9685ScalesToTwelveBits(t *testing.T) {
	dev := newFakePWM()
	p := newPCA9685(0x40, dev)

	require.NoError(t, p.Write(0, 1))
	require.NoError(t, p.Write(1, 0.5))
	require.NoError(t, p.Off(2))
	assert.Equal(t, gpio.Duty(4095), dev.off[0])
	assert.Equal(t, gpio.Duty(2048), dev.off[1])
	assert.Equal(t, gpio.Duty(0), dev.off[2])

	assert.Error(t, p.Write(16, 1))
	assert.Error(t, p.Write(-1, 1))

	require.NoError(t, p.Clear())
	assert.Equal(t, gpio.Duty(0), dev.off[0])
	assert.Equal(t, 1, dev.all)

	require.NoError(t, p.Shutdown())
	assert.ErrorIs(t, p.Write(0, 1), ErrClosed)
	assert.Equal(t, "pca9685@0x40", p.String())
}

func TestPCA9685WrapsBusErrors(t *testing.T) {
	dev := newFakePWM()
	dev.fail = errors.New("bus busy")
	p := newPCA9685(0x41, dev)
	err := p.Write(3, 0.2)
	require.Error(t, err)
	assert.ErrorIs(t, err, dev.fail)
}

type closeCounter struct{ n int }

func (c *closeCounter) Close() error { c.n++; return nil }

func TestBoardsOpensEachAddressOnce(t *testing.T) {
	opened := map[uint16]int{}
	bus := &closeCounter{}
	b := newBoards(bus, func(addr uint16, freq physic.Frequency) (pwmController, error) {
		opened[addr]++
		assert.Equal(t, DefaultPCA9685Frequency, freq)
		return newFakePWM(), nil
	})

	p1, err := b.Board(0x40, 0)
	require.NoError(t, err)
	p2, err := b.Board(0x40, 0)
	require.NoError(t, err)
	_, err = b.Board(0x41, 0)
	require.NoError(t, err)

	assert.Same(t, p1, p2)
	assert.Equal(t, map[uint16]int{0x40: 1, 0x41: 1}, opened)
	assert.Equal(t, []uint16{0x40, 0x41}, b.Addresses())

	require.NoError(t, b.Close())
	assert.Equal(t, 1, bus.n)
	assert.ErrorIs(t, p1.Write(0, 1), ErrClosed)
	_, err = b.Board(0x42, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

type fakeDrawer struct {
	draws  int
	halted bool
	last   *image.Gray
}

func (d *fakeDrawer) Draw(r image.Rectangle, src image.Image, sp image.Point) error {
	d.draws++
	d.last = src.(*image.Gray)
	return nil
}

func (d *fakeDrawer) Halt() error { d.halted = true; return nil }

func TestConsoleMirrorsLevels(t *testing.T) {
	d := &fakeDrawer{}
	c := newConsole(4, d)
	c.throttle = 0

	require.NoError(t, c.Write(2, 1))
	assert.Equal(t, 1.0, c.Level(2))
	assert.Equal(t, 1, d.draws)
	assert.Error(t, c.Write(4, 1))

	require.NoError(t, c.Clear())
	assert.Equal(t, 0.0, c.Level(2))

	require.NoError(t, c.Shutdown())
	assert.True(t, d.halted)
	assert.ErrorIs(t, c.Write(0, 1), ErrClosed)
}

func TestShapeIdentityPassesThrough(t *testing.T) {
	s := NewSim()
	assert.Same(t, s, Shape(s, Output{}).(*Sim))
	assert.Same(t, s, Shape(s, Output{Gamma: 1, ChannelMA: 20}).(*Sim))
}

func TestShapeGamma(t *testing.T) {
	s := NewSim()
	out := Shape(s, Output{Gamma: 2})
	require.NoError(t, out.Write(0, 0.5))
	require.NoError(t, out.Write(1, 1))
	v, _ := s.Level(0)
	assert.InDelta(t, 0.25, v, 1e-9)
	v, _ = s.Level(1)
	assert.Equal(t, 1.0, v)
}

func TestShapeBudget(t *testing.T) {
	s := NewSim()
	// room for 1.5 channels at full scale
	out := Shape(s, Output{ChannelMA: 20, BudgetMA: 30})
	require.NoError(t, out.Write(0, 1))
	require.NoError(t, out.Write(1, 1))
	v, _ := s.Level(1)
	assert.InDelta(t, 0.5, v, 1e-9)

	require.NoError(t, out.Write(2, 0.3))
	v, _ = s.Level(2)
	assert.Zero(t, v)

	// freeing a channel gives its share back
	require.NoError(t, out.Off(0))
	require.NoError(t, out.Write(2, 0.3))
	v, _ = s.Level(2)
	assert.InDelta(t, 0.3, v, 1e-9)

	require.NoError(t, out.Clear())
	require.NoError(t, out.Write(3, 1))
	v, _ = s.Level(3)
	assert.Equal(t, 1.0, v)
}

func TestShapeFailedWriteReleasesBudget(t *testing.T) {
	s := NewSim()
	out := Shape(s, Output{ChannelMA: 10, BudgetMA: 10})
	s.FailWrites(0, errors.New("nack"))
	require.Error(t, out.Write(0, 1))
	require.NoError(t, out.Write(1, 1))
	v, _ := s.Level(1)
	assert.Equal(t, 1.0, v)
	require.NoError(t, out.Shutdown())
	assert.Equal(t, 1, s.Shutdowns())
}
