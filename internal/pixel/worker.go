package pixel

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/coreman2200/funtimes-ledgrid/internal/envelope"
	"github.com/coreman2200/funtimes-ledgrid/internal/led"
)

// DefaultStepInterval is the animation cadence when Options leaves it unset.
const DefaultStepInterval = time.Second / 60

// Hooks observe envelope execution. They run on the worker goroutine.
type Hooks struct {
	// Begin fires when the envelope leaves WAIT_FOR_START.
	Begin func(c Coord, e envelope.Envelope)
	// Retire fires after the final write of a completed envelope.
	Retire func(c Coord, e envelope.Envelope)
	// Fault fires when the sink rejects a write. The worker carries on.
	Fault func(c Coord, err error)
}

// Options configure every worker of a matrix.
type Options struct {
	StepInterval time.Duration
	Logger       *zerolog.Logger // nil: global logger
	Hooks        Hooks
}

func (o Options) step() time.Duration {
	if o.StepInterval <= 0 {
		return DefaultStepInterval
	}
	return o.StepInterval
}

func (o Options) logger() zerolog.Logger {
	if o.Logger == nil {
		return log.Logger
	}
	return *o.Logger
}

// Worker executes the envelopes scheduled on one pixel, in enqueue order,
// on its own goroutine. The goroutine is started by the first Enqueue and
// idles on the queue until Stop.
type Worker struct {
	coord   Coord
	sink    led.Sink
	channel int
	step    time.Duration
	hooks   Hooks
	log     zerolog.Logger

	mu      sync.Mutex
	queue   []envelope.Envelope
	running bool
	stop    chan struct{} // stop, done and wake belong to one run
	done    chan struct{}
	wake    chan struct{}

	last   atomic.Uint64 // math.Float64bits of the last written level
	active atomic.Bool
}

// NewWorker binds a worker to channel of sink. No goroutine is started.
func NewWorker(c Coord, sink led.Sink, channel int, opts Options) *Worker {
	return &Worker{
		coord:   c,
		sink:    sink,
		channel: channel,
		step:    opts.step(),
		hooks:   opts.Hooks,
		log: opts.logger().With().
			Int("row", c.Row).
			Int("col", c.Col).
			Int("channel", channel).
			Logger(),
	}
}

func (w *Worker) Coord() Coord   { return w.coord }
func (w *Worker) Sink() led.Sink { return w.sink }
func (w *Worker) Channel() int   { return w.channel }

// Brightness is the last level successfully written to the sink.
func (w *Worker) Brightness() float64 { return math.Float64frombits(w.last.Load()) }

// Animating reports whether an envelope is in flight.
func (w *Worker) Animating() bool { return w.active.Load() }

// Pending is the number of queued envelopes, not counting the in-flight one.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Running reports whether the worker goroutine has been started and not stopped.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Enqueue appends e to the queue without blocking and starts the goroutine
// if needed. A zero Start is stamped with the current time. The queue is
// unbounded.
func (w *Worker) Enqueue(e envelope.Envelope) {
	if !e.Scheduled() {
		e = e.WithStart(time.Now())
	}
	w.mu.Lock()
	w.queue = append(w.queue, e)
	if !w.running {
		w.running = true
		w.stop = make(chan struct{})
		w.done = make(chan struct{})
		w.wake = make(chan struct{}, 1)
		go w.run(w.stop, w.done, w.wake)
	}
	wake := w.wake
	w.mu.Unlock()

	select {
	case wake <- struct{}{}:
	default:
	}
}

// ClearPending drops every queued envelope. The in-flight one keeps running.
func (w *Worker) ClearPending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.queue)
	w.queue = nil
	return n
}

// Stop signals the goroutine, waits up to timeout for it to exit and then
// writes Off to the sink whether or not it did. Pending envelopes are
// dropped. It reports whether the goroutine exited in time. A later Enqueue
// starts a fresh goroutine.
func (w *Worker) Stop(timeout time.Duration) bool {
	w.mu.Lock()
	stop, done, running := w.stop, w.done, w.running
	w.running = false
	w.queue = nil
	w.stop, w.done, w.wake = nil, nil, nil
	w.mu.Unlock()

	joined := true
	if running {
		close(stop)
		t := time.NewTimer(timeout)
		select {
		case <-done:
		case <-t.C:
			joined = false
			w.log.Warn().Dur("timeout", timeout).Msg("pixel worker did not stop in time")
		}
		t.Stop()
	}
	w.off()
	return joined
}

func (w *Worker) off() {
	if err := w.sink.Off(w.channel); err != nil {
		w.log.Warn().Err(err).Msg("off write failed")
		return
	}
	w.last.Store(0)
}

// run plays queued envelopes until stop closes. A run that was stopped never
// dequeues again, even if it only notices after a restart: the queue then
// belongs to the new run.
func (w *Worker) run(stop <-chan struct{}, done chan<- struct{}, wake <-chan struct{}) {
	defer close(done)
	w.log.Debug().Msg("pixel worker started")
	for {
		if stopped(stop) {
			return
		}
		e, ok := w.next(stop)
		if !ok {
			select {
			case <-stop:
				return
			case <-wake:
				continue
			}
		}
		if !w.play(e, stop) {
			return
		}
	}
}

// next pops the head of the queue for the run owning stop. A run that has
// been replaced gets nothing.
func (w *Worker) next(stop <-chan struct{}) (envelope.Envelope, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != stop || len(w.queue) == 0 {
		return envelope.Envelope{}, false
	}
	e := w.queue[0]
	w.queue[0] = envelope.Envelope{}
	w.queue = w.queue[1:]
	return e, true
}

// play drives e to completion. It returns false if stop fired.
func (w *Worker) play(e envelope.Envelope, stop <-chan struct{}) bool {
	// WAIT_FOR_START
	if d := time.Until(e.Start); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-stop:
			t.Stop()
			return false
		case <-t.C:
		}
	}

	w.active.Store(true)
	defer w.active.Store(false)
	if w.hooks.Begin != nil {
		w.hooks.Begin(w.coord, e)
	}
	w.log.Trace().Str("envelope", e.String()).Msg("animating")

	tick := time.NewTicker(w.step)
	defer tick.Stop()
	for {
		if stopped(stop) {
			return false
		}
		now := time.Now()
		if !w.write(e.Evaluate(now), stop) {
			return false
		}
		if e.IsComplete(now) {
			if w.hooks.Retire != nil {
				w.hooks.Retire(w.coord, e)
			}
			return true
		}
		select {
		case <-stop:
			return false
		case <-tick.C:
		}
	}
}

// write sends v to the sink. Sink errors are logged and swallowed. It returns
// false if stop fired while the write was in flight; in that case the pixel
// is switched off again unless a new run has already taken over.
func (w *Worker) write(v float64, stop <-chan struct{}) bool {
	if err := w.sink.Write(w.channel, v); err != nil {
		w.log.Warn().Err(err).Float64("brightness", v).Msg("sink write failed")
		if w.hooks.Fault != nil {
			w.hooks.Fault(w.coord, err)
		}
	} else {
		w.last.Store(math.Float64bits(v))
	}
	if !stopped(stop) {
		return true
	}
	w.mu.Lock()
	restarted := w.running
	w.mu.Unlock()
	if !restarted {
		w.off()
	}
	return false
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
