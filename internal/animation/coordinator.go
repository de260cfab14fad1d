package animation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/coreman2200/funtimes-ledgrid/internal/envelope"
	"github.com/coreman2200/funtimes-ledgrid/internal/matrix"
	"github.com/coreman2200/funtimes-ledgrid/internal/pixel"
)

// ErrCoordinateNotFound is returned when scheduling against a coordinate the
// matrix does not contain.
var ErrCoordinateNotFound = errors.New("coordinate not found")

// Entry is one (coordinate, envelope) pair of a batch.
type Entry struct {
	Coord    pixel.Coord       `json:"coord"`
	Envelope envelope.Envelope `json:"envelope"`
}

// BatchResult counts what ScheduleBatch did.
type BatchResult struct {
	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
}

// PixelState is one pixel as seen by Snapshot.
type PixelState struct {
	Coord      pixel.Coord `json:"coord"`
	Brightness float64     `json:"brightness"`
	Animating  bool        `json:"animating"`
	Pending    int         `json:"pending"`
}

// Coordinator is the entry point for scheduling animations on a matrix.
type Coordinator struct {
	m   *matrix.Matrix
	log zerolog.Logger

	// serializes StopAll/Shutdown against each other
	stopMu sync.Mutex
}

// New wraps m. A nil logger uses the global one.
func New(m *matrix.Matrix, logger *zerolog.Logger) *Coordinator {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Coordinator{m: m, log: l.With().Str("component", "coordinator").Logger()}
}

func (c *Coordinator) Matrix() *matrix.Matrix { return c.m }

// Coords lists every pixel, row-major.
func (c *Coordinator) Coords() []pixel.Coord { return c.m.Coords() }

// Schedule validates e and queues it on the worker at coord. Unknown
// coordinates are an error; no worker is ever created here.
func (c *Coordinator) Schedule(coord pixel.Coord, e envelope.Envelope) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("schedule %s: %w", coord, err)
	}
	w, ok := c.m.Lookup(coord)
	if !ok {
		return fmt.Errorf("schedule %s: %w", coord, ErrCoordinateNotFound)
	}
	w.Enqueue(e)
	return nil
}

// ScheduleBatch schedules every entry, skipping (and logging) the ones that
// fail instead of aborting.
func (c *Coordinator) ScheduleBatch(entries []Entry) BatchResult {
	var res BatchResult
	for _, en := range entries {
		if err := c.Schedule(en.Coord, en.Envelope); err != nil {
			c.log.Warn().Err(err).Msg("skipping batch entry")
			res.Skipped++
			continue
		}
		res.Applied++
	}
	if res.Skipped > 0 {
		c.log.Info().Int("applied", res.Applied).Int("skipped", res.Skipped).Msg("batch scheduled")
	}
	return res
}

// Set switches the pixel at coord to b immediately and keeps it there.
func (c *Coordinator) Set(coord pixel.Coord, b float64) error {
	e, err := envelope.New(b, 0, 0, 0)
	if err != nil {
		return fmt.Errorf("set %s: %w", coord, err)
	}
	return c.Schedule(coord, e)
}

// Fill ramps every pixel to target over ramp, all sharing one start instant.
func (c *Coordinator) Fill(target float64, ramp time.Duration) (BatchResult, error) {
	e, err := envelope.New(target, ramp, 0, 0, envelope.WithStartAt(time.Now()))
	if err != nil {
		return BatchResult{}, fmt.Errorf("fill: %w", err)
	}
	coords := c.m.Coords()
	entries := make([]Entry, len(coords))
	for i, co := range coords {
		entries[i] = Entry{Coord: co, Envelope: e}
	}
	return c.ScheduleBatch(entries), nil
}

// ClearAllPending drops queued envelopes on every pixel and returns how many.
func (c *Coordinator) ClearAllPending() int {
	n := 0
	for _, w := range c.m.Workers() {
		n += w.ClearPending()
	}
	return n
}

// StopAll stops every worker, each bounded by timeout, then clears every
// sink. Workers are stopped concurrently so the call takes about timeout at
// worst. Failures are logged, never returned.
func (c *Coordinator) StopAll(timeout time.Duration) {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()
	c.stopAll(timeout)
}

func (c *Coordinator) stopAll(timeout time.Duration) {
	workers := c.m.Workers()
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		missed int
	)
	wg.Add(len(workers))
	for _, w := range workers {
		go func(w *pixel.Worker) {
			defer wg.Done()
			if !w.Stop(timeout) {
				mu.Lock()
				missed++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	if missed > 0 {
		c.log.Warn().Int("workers", missed).Dur("timeout", timeout).Msg("some pixel workers did not stop in time")
	}

	for _, s := range c.m.Sinks() {
		if err := s.Clear(); err != nil {
			c.log.Warn().Err(err).Str("sink", fmt.Sprint(s)).Msg("clear failed")
		}
	}
	c.log.Debug().Int("workers", len(workers)).Msg("all pixels stopped")
}

// Shutdown stops everything and releases every sink.
func (c *Coordinator) Shutdown(timeout time.Duration) {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()
	c.stopAll(timeout)
	for _, s := range c.m.Sinks() {
		if err := s.Shutdown(); err != nil {
			c.log.Warn().Err(err).Str("sink", fmt.Sprint(s)).Msg("sink shutdown failed")
		}
	}
	c.log.Info().Msg("coordinator shut down")
}

// Snapshot reports every pixel's last written level, row-major.
func (c *Coordinator) Snapshot() []PixelState {
	ws := c.m.Workers()
	out := make([]PixelState, len(ws))
	for i, w := range ws {
		out[i] = PixelState{
			Coord:      w.Coord(),
			Brightness: w.Brightness(),
			Animating:  w.Animating(),
			Pending:    w.Pending(),
		}
	}
	return out
}

// Brightness returns the last written level at coord.
func (c *Coordinator) Brightness(coord pixel.Coord) (float64, error) {
	w, ok := c.m.Lookup(coord)
	if !ok {
		return 0, fmt.Errorf("%s: %w", coord, ErrCoordinateNotFound)
	}
	return w.Brightness(), nil
}
