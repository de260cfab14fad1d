package led

import (
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"periph.io/x/extra/devices/screen"
)

// drawer is the subset of a periph display used by Console.
type drawer interface {
	Draw(r image.Rectangle, src image.Image, sp image.Point) error
	Halt() error
}

// Console previews pixels on the terminal as one line of ANSI blocks, one
// block per channel. Useful on machines without LEDs attached. Channel is
// row*cols+col in the matrix the console mirrors.
type Console struct {
	throttle time.Duration

	mu       sync.Mutex
	d        drawer
	img      *image.Gray
	lastDraw time.Time
	dirty    bool
	closed   bool
}

// NewConsole builds a console preview for n channels.
func NewConsole(n int) *Console {
	return newConsole(n, screen.New(n))
}

func newConsole(n int, d drawer) *Console {
	if n < 1 {
		n = 1
	}
	return &Console{
		throttle: 50 * time.Millisecond, // ~20 FPS to the terminal
		d:        d,
		img:      image.NewGray(image.Rect(0, 0, n, 1)),
	}
}

func (c *Console) String() string { return fmt.Sprintf("console(%d)", c.img.Bounds().Dx()) }

func (c *Console) set(channel int, b float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if channel < 0 || channel >= c.img.Bounds().Dx() {
		return fmt.Errorf("console channel %d out of range", channel)
	}
	c.img.SetGray(channel, 0, color.Gray{Y: uint8(clamp01(b)*255 + 0.5)})
	c.dirty = true
	return c.flush(false)
}

// flush draws if the throttle allows it or force is set. Caller holds mu.
func (c *Console) flush(force bool) error {
	now := time.Now()
	if !force && c.lastDraw.Add(c.throttle).After(now) {
		return nil
	}
	if !c.dirty && !force {
		return nil
	}
	c.lastDraw = now
	c.dirty = false
	return c.d.Draw(c.img.Bounds(), c.img, image.Point{})
}

func (c *Console) Write(channel int, brightness float64) error { return c.set(channel, brightness) }

func (c *Console) Off(channel int) error { return c.set(channel, 0) }

func (c *Console) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	for i := range c.img.Pix {
		c.img.Pix[i] = 0
	}
	return c.flush(true)
}

func (c *Console) Shutdown() error {
	if err := c.Clear(); err != nil && err != ErrClosed {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.d.Halt()
}

// Level returns the previewed level of channel, quantized to 8 bits.
func (c *Console) Level(channel int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return float64(c.img.GrayAt(channel, 0).Y) / 255
}
