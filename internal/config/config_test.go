package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreman2200/funtimes-ledgrid/internal/pixel"
)

const sample = `
log_level: debug
listen: ":9090"
step_interval: 20ms
gpio: { frequency_hz: 800 }
boards:
  - { address: 0x40 }
  - { address: 0x41, frequency_hz: 1500 }
leds:
  - { row: 0, col: 0, type: gpio, pin: 12 }
  - { row: 0, col: 1, type: gpio, pin: 13 }
  - { row: 0, col: 2, type: pca9685, address: 0x41, channel: 15 }
grids:
  - { type: pca9685, address: 0x40, rows: 2, cols: 9, row: 1, col: 0, serpentine: true }
`

func TestParseSample(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, ":9090", c.Listen)
	assert.Equal(t, 20*time.Millisecond, c.StepInterval)
	assert.Equal(t, time.Second, c.StopTimeout)
	assert.Equal(t, 30, c.FPS)
	assert.Equal(t, 800, c.GPIO.FrequencyHz)
	assert.Equal(t, uint16(0x41), c.Boards[1].Address)
	assert.Equal(t, 1000, c.Boards[0].FrequencyHz)

	b, ok := c.Board(0x41)
	require.True(t, ok)
	assert.Equal(t, 1500, b.FrequencyHz)

	es := c.Entries()
	require.Len(t, es, 3+18)
	assert.Equal(t, Binding{Coord: pixel.Coord{Row: 0, Col: 0}, Kind: KindGPIO, Pin: 12}, es[0])

	// grid: first 16 pixels on 0x40, the remaining two spill to 0x41
	g := es[3:]
	assert.Equal(t, Binding{Coord: pixel.Coord{Row: 1, Col: 0}, Kind: KindPCA9685, Address: 0x40, Channel: 0}, g[0])
	assert.Equal(t, pixel.Coord{Row: 2, Col: 8}, g[9].Coord, "serpentine second row starts on the right")
	assert.Equal(t, Binding{Coord: pixel.Coord{Row: 2, Col: 1}, Kind: KindPCA9685, Address: 0x41, Channel: 0}, g[16])
	assert.Equal(t, Binding{Coord: pixel.Coord{Row: 2, Col: 0}, Kind: KindPCA9685, Address: 0x41, Channel: 1}, g[17])
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", `listen: ":1"`, "no leds"},
		{"duplicate coord", `
leds:
  - { row: 0, col: 0, type: sim }
  - { row: 0, col: 0, type: sim, channel: 1 }`, "duplicate coordinate"},
		{"gpio pin reuse", `
leds:
  - { row: 0, col: 0, type: gpio, pin: 18 }
  - { row: 0, col: 1, type: gpio, pin: 18 }`, "already used"},
		{"gpio without pin", `
leds:
  - { row: 0, col: 0, type: gpio }`, "needs a pin"},
		{"gpio negative pin", `
leds:
  - { row: 0, col: 0, type: gpio, pin: -2 }`, "is negative"},
		{"gpio grid negative pin", `
grids:
  - { type: gpio, rows: 1, cols: 2, pins: [4, -1] }`, "is negative"},
		{"pca channel range", `
boards: [ { address: 0x40 } ]
leds:
  - { row: 0, col: 0, type: pca9685, address: 0x40, channel: 16 }`, "outside 0..15"},
		{"undeclared board", `
leds:
  - { row: 0, col: 0, type: pca9685, address: 0x42, channel: 1 }`, "not declared"},
		{"board address range", `
boards: [ { address: 0x20 } ]
leds:
  - { row: 0, col: 0, type: sim }`, "outside"},
		{"unknown type", `
leds:
  - { row: 0, col: 0, type: neopixel }`, "unknown type"},
		{"gpio grid pins", `
grids:
  - { type: gpio, rows: 1, cols: 2, pins: [5] }`, "1 pins for 2 pixels"},
		{"grid overflows board chain", `
boards: [ { address: 0x40 } ]
grids:
  - { type: pca9685, address: 0x40, rows: 1, cols: 17 }`, "not declared"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGPIOPinZero(t *testing.T) {
	c, err := Parse([]byte(`
leds:
  - { row: 0, col: 0, type: gpio, pin: 0 }
  - { row: 0, col: 1, type: gpio, pin: 1 }
grids:
  - { type: gpio, row: 1, rows: 1, cols: 1, pins: [2] }
`))
	require.NoError(t, err)
	es := c.Entries()
	require.Len(t, es, 3)
	assert.Equal(t, Binding{Coord: pixel.Coord{Row: 0, Col: 0}, Kind: KindGPIO, Pin: 0}, es[0])
	assert.Equal(t, 2, es[2].Pin)

	_, err = Parse([]byte(`
leds:
  - { row: 0, col: 0, type: gpio, pin: 0 }
  - { row: 0, col: 1, type: gpio, pin: 0 }`))
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorContains(t, err, "already used")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LEDGRID_LISTEN", ":7000")
	t.Setenv("LEDGRID_STOP_TIMEOUT", "250ms")
	t.Setenv("LEDGRID_SIM_ONLY", "true")

	c, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, ":7000", c.Listen)
	assert.Equal(t, 250*time.Millisecond, c.StopTimeout)
	assert.True(t, c.SimOnly)
	assert.Equal(t, "debug", c.LogLevel, "unset variables keep file values")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgrid.yaml")
	c := Default()
	require.NoError(t, c.Validate())
	require.NoError(t, Save(path, c))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c.Entries(), got.Entries())
	assert.Equal(t, c.StepInterval, got.StepInterval)
	assert.Len(t, got.Entries(), 16)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestOutputShaping(t *testing.T) {
	c, err := Parse([]byte("output: { gamma: 2.2, budget_ma: 500 }\ngrids: [ { type: sim, rows: 1, cols: 2 } ]\n"))
	require.NoError(t, err)
	assert.Equal(t, Output{Gamma: 2.2, ChannelMA: 20, BudgetMA: 500}, c.Output)

	_, err = Parse([]byte("output: { gamma: -1 }\ngrids: [ { type: sim, rows: 1, cols: 2 } ]\n"))
	assert.ErrorIs(t, err, ErrInvalid)
}
