package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env"
	"gopkg.in/yaml.v3"

	"github.com/coreman2200/funtimes-ledgrid/internal/layout"
	"github.com/coreman2200/funtimes-ledgrid/internal/pixel"
)

// Kind selects the sink a pixel is wired to.
type Kind string

const (
	KindGPIO    Kind = "gpio"
	KindPCA9685 Kind = "pca9685"
	KindSim     Kind = "sim"
	KindConsole Kind = "console"
)

const (
	pcaChannels = 16
	pcaAddrMin  = 0x40
	pcaAddrMax  = 0x7F
)

var ErrInvalid = errors.New("invalid config")

type GPIO struct {
	FrequencyHz int `yaml:"frequency_hz"`
}

type I2C struct {
	Bus string `yaml:"bus"` // "" = first bus
}

// Output shapes every level before it reaches a sink. Gamma 0 or 1 is
// linear; BudgetMA 0 disables the per-sink current limit.
type Output struct {
	Gamma     float64 `yaml:"gamma,omitempty"`
	ChannelMA float64 `yaml:"channel_ma,omitempty"`
	BudgetMA  float64 `yaml:"budget_ma,omitempty"`
}

type Board struct {
	Address     uint16 `yaml:"address"`
	FrequencyHz int    `yaml:"frequency_hz"`
}

// LED wires one pixel. Pin is used by gpio, Address+Channel by pca9685,
// Channel by sim and console. Pin is a pointer so that BCM pin 0 can be told
// apart from a missing pin.
type LED struct {
	Row     int    `yaml:"row"`
	Col     int    `yaml:"col"`
	Type    Kind   `yaml:"type"`
	Pin     *int   `yaml:"pin,omitempty"`
	Address uint16 `yaml:"address,omitempty"`
	Channel int    `yaml:"channel,omitempty"`
}

// Grid wires a rectangular block in one go. pca9685 channels continue on the
// board at the next address once a board's 16 channels are used; gpio grids
// take their pins from Pins in wiring order.
type Grid struct {
	Type         Kind   `yaml:"type"`
	Address      uint16 `yaml:"address,omitempty"`
	Rows         int    `yaml:"rows"`
	Cols         int    `yaml:"cols"`
	Row          int    `yaml:"row"`
	Col          int    `yaml:"col"`
	FirstChannel int    `yaml:"first_channel,omitempty"`
	Pins         []int  `yaml:"pins,omitempty"`
	Serpentine   bool   `yaml:"serpentine,omitempty"`
}

type Config struct {
	LogLevel     string        `yaml:"log_level"`
	Listen       string        `yaml:"listen"`
	FPS          int           `yaml:"fps"` // monitor frame rate
	StepInterval time.Duration `yaml:"step_interval"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`
	SimOnly      bool          `yaml:"sim_only"`

	Output Output  `yaml:"output"`
	GPIO   GPIO    `yaml:"gpio"`
	I2C    I2C     `yaml:"i2c"`
	Boards []Board `yaml:"boards,omitempty"`
	LEDs   []LED   `yaml:"leds,omitempty"`
	Grids  []Grid  `yaml:"grids,omitempty"`
}

// Binding is one resolved pixel: where it is and what drives it.
type Binding struct {
	Coord   pixel.Coord
	Kind    Kind
	Pin     int
	Address uint16
	Channel int
}

// Default is a 4x4 simulated grid.
func Default() *Config {
	c := &Config{
		Grids: []Grid{{Type: KindSim, Rows: 4, Cols: 4}},
	}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.StepInterval <= 0 {
		c.StepInterval = pixel.DefaultStepInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = time.Second
	}
	if c.Output.ChannelMA <= 0 {
		c.Output.ChannelMA = 20
	}
	if c.GPIO.FrequencyHz <= 0 {
		c.GPIO.FrequencyHz = 1000
	}
	for i := range c.Boards {
		if c.Boards[i].FrequencyHz <= 0 {
			c.Boards[i].FrequencyHz = 1000
		}
	}
}

// Load reads a YAML file, applies defaults and LEDGRID_* environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse is Load without the file.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func Save(path string, c *Config) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

// overrides are read from the environment; unset variables leave the file
// value alone.
type overrides struct {
	LogLevel     string        `env:"LEDGRID_LOG_LEVEL"`
	Listen       string        `env:"LEDGRID_LISTEN"`
	FPS          int           `env:"LEDGRID_FPS"`
	StepInterval time.Duration `env:"LEDGRID_STEP_INTERVAL"`
	StopTimeout  time.Duration `env:"LEDGRID_STOP_TIMEOUT"`
	SimOnly      bool          `env:"LEDGRID_SIM_ONLY"`
	I2CBus       string        `env:"LEDGRID_I2C_BUS"`
}

func (c *Config) applyEnv() error {
	var o overrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.Listen != "" {
		c.Listen = o.Listen
	}
	if o.FPS > 0 {
		c.FPS = o.FPS
	}
	if o.StepInterval > 0 {
		c.StepInterval = o.StepInterval
	}
	if o.StopTimeout > 0 {
		c.StopTimeout = o.StopTimeout
	}
	if o.SimOnly {
		c.SimOnly = true
	}
	if o.I2CBus != "" {
		c.I2C.Bus = o.I2CBus
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks sink-specific fields and cross-entry conflicts: duplicate
// coordinates, gpio pins or pca9685 channels, and undeclared boards.
func (c *Config) Validate() error {
	if c.Output.Gamma < 0 || c.Output.BudgetMA < 0 {
		return invalid("output gamma and budget_ma must not be negative")
	}
	boards := map[uint16]bool{}
	for _, b := range c.Boards {
		if b.Address < pcaAddrMin || b.Address > pcaAddrMax {
			return invalid("board address 0x%02X outside 0x%02X..0x%02X", b.Address, pcaAddrMin, pcaAddrMax)
		}
		if boards[b.Address] {
			return invalid("board 0x%02X declared twice", b.Address)
		}
		boards[b.Address] = true
	}
	for i, g := range c.Grids {
		if g.Rows <= 0 || g.Cols <= 0 {
			return invalid("grid %d: rows and cols must be positive", i)
		}
		if g.Type == KindGPIO && len(g.Pins) != g.Rows*g.Cols {
			return invalid("grid %d: %d pins for %d pixels", i, len(g.Pins), g.Rows*g.Cols)
		}
	}

	for _, l := range c.LEDs {
		if l.Type == KindGPIO && l.Pin == nil {
			return invalid("led %s: gpio needs a pin", pixel.Coord{Row: l.Row, Col: l.Col})
		}
	}

	bindings := c.Entries()
	if len(bindings) == 0 {
		return invalid("no leds configured")
	}
	coords := map[pixel.Coord]bool{}
	pins := map[int]pixel.Coord{}
	type pcaKey struct {
		addr uint16
		ch   int
	}
	chans := map[pcaKey]pixel.Coord{}
	for _, b := range bindings {
		if !b.Coord.Valid() {
			return invalid("led %s: negative coordinate", b.Coord)
		}
		if coords[b.Coord] {
			return invalid("led %s: duplicate coordinate", b.Coord)
		}
		coords[b.Coord] = true

		switch b.Kind {
		case KindGPIO:
			if b.Pin < 0 {
				return invalid("led %s: gpio pin %d is negative", b.Coord, b.Pin)
			}
			if other, ok := pins[b.Pin]; ok {
				return invalid("led %s: gpio pin %d already used by %s", b.Coord, b.Pin, other)
			}
			pins[b.Pin] = b.Coord
		case KindPCA9685:
			if b.Channel < 0 || b.Channel >= pcaChannels {
				return invalid("led %s: pca9685 channel %d outside 0..15", b.Coord, b.Channel)
			}
			if !boards[b.Address] {
				return invalid("led %s: board 0x%02X not declared", b.Coord, b.Address)
			}
			k := pcaKey{b.Address, b.Channel}
			if other, ok := chans[k]; ok {
				return invalid("led %s: board 0x%02X channel %d already used by %s", b.Coord, b.Address, b.Channel, other)
			}
			chans[k] = b.Coord
		case KindSim, KindConsole:
			if b.Channel < 0 {
				return invalid("led %s: negative channel", b.Coord)
			}
		default:
			return invalid("led %s: unknown type %q", b.Coord, b.Kind)
		}
	}
	return nil
}

// Entries flattens leds and grids into one binding per pixel. Grid channels
// and pins follow the grid's wiring order.
func (c *Config) Entries() []Binding {
	out := make([]Binding, 0, len(c.LEDs))
	for _, l := range c.LEDs {
		b := Binding{
			Coord:   pixel.Coord{Row: l.Row, Col: l.Col},
			Kind:    l.Type,
			Address: l.Address,
			Channel: l.Channel,
		}
		if l.Pin != nil {
			b.Pin = *l.Pin
		}
		out = append(out, b)
	}
	for _, g := range c.Grids {
		lay := layout.Layout{Rows: g.Rows, Cols: g.Cols, Serpentine: g.Serpentine}
		for i, co := range lay.Coords(pixel.Coord{Row: g.Row, Col: g.Col}) {
			b := Binding{Coord: co, Kind: g.Type, Address: g.Address, Channel: g.FirstChannel + i}
			switch g.Type {
			case KindPCA9685:
				b.Address = g.Address + uint16(b.Channel/pcaChannels)
				b.Channel %= pcaChannels
			case KindGPIO:
				if i < len(g.Pins) {
					b.Pin = g.Pins[i]
				}
				b.Channel = 0
			}
			out = append(out, b)
		}
	}
	return out
}

// Board returns the declared board at addr.
func (c *Config) Board(addr uint16) (Board, bool) {
	for _, b := range c.Boards {
		if b.Address == addr {
			return b, true
		}
	}
	return Board{}, false
}
