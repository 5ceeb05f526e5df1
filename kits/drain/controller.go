// Package drain implements graceful request draining for an HTTP endpoint.
//
// A Controller owns the lifecycle state (Serving, Draining, Closed) and the
// graceful deadline. A Gate wraps the application handler, admitting requests
// while the controller is Serving and answering everything else with the
// closing response. Once Initiate is called the controller waits, without
// blocking anyone, for admitted requests to finish or for the deadline to
// elapse, and then reports the Outcome through the "close" event.
package drain

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// DefaultGracefulTimeout bounds the time from Initiate to a forced close.
const DefaultGracefulTimeout = 10 * time.Second

// Config holds per-controller settings.
type Config struct {
	// GracefulTimeout is the upper bound from Initiate to forced closure.
	// Zero means DefaultGracefulTimeout.
	GracefulTimeout time.Duration `yaml:"graceful_timeout" validate:"gte=0"`
}

// Transport is the listener-side collaborator. StopAccepting must refuse new
// connections without touching established ones.
type Transport interface {
	StopAccepting() error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func() error

// StopAccepting calls f.
func (f TransportFunc) StopAccepting() error { return f() }

// Option configures a Controller.
type Option func(*Controller)

// WithTransport sets the collaborator told to stop accepting on closure.
func WithTransport(t Transport) Option {
	return func(c *Controller) { c.transport = t }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMeter records drain metrics on m.
func WithMeter(m metric.Meter) Option {
	return func(c *Controller) { c.meter = m }
}

// Controller is the shutdown state machine.
type Controller struct {
	Events

	timeout   time.Duration
	transport Transport
	log       *zap.Logger
	meter     metric.Meter
	metrics   *instruments
	tracker   Tracker

	mu       sync.Mutex
	state    State
	started  time.Time
	deadline *time.Timer
	outcome  Outcome
	queue    []func()
	flushing bool
	done     chan struct{}
}

// NewController returns a Serving controller with nothing pending.
func NewController(cfg Config, opts ...Option) *Controller {
	c := &Controller{
		timeout: cfg.GracefulTimeout,
		log:     zap.NewNop(),
		done:    make(chan struct{}),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultGracefulTimeout
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = newInstruments(c.meter)
	c.log = c.log.With(zap.String("component", "drain"))
	return c
}

// Timeout returns the graceful deadline duration.
func (c *Controller) Timeout() time.Duration { return c.timeout }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the number of admitted requests still running.
func (c *Controller) Pending() int64 { return c.tracker.Current() }

// Done is closed after the "close" event has been delivered.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Outcome returns the closure outcome once the controller is Closed.
func (c *Controller) Outcome() (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Closed {
		return Outcome{}, false
	}
	return c.outcome, true
}

// Wait blocks until the controller has closed or ctx ends. It does not
// initiate shutdown itself.
func (c *Controller) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-c.done:
		o, _ := c.Outcome()
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Initiate starts draining. It is a no-op unless the controller is Serving,
// so concurrent triggers (signal, application, fault boundary) are safe.
func (c *Controller) Initiate() {
	c.mu.Lock()
	if c.state != Serving {
		c.mu.Unlock()
		return
	}
	c.state = Draining
	c.started = time.Now()
	pending := c.tracker.Current()
	c.log.Info("drain.closing", zap.Int64("pending", pending), zap.Duration("timeout", c.timeout))
	c.enqueue(c.emitClosing)

	if pending == 0 {
		c.finalizeLocked(cleanOutcome(0))
	} else {
		c.deadline = time.AfterFunc(c.timeout, c.deadlineElapsed)
	}
	c.mu.Unlock()
	c.flush()
}

// Acquire admits one request. It returns false, and touches nothing, once
// the controller has left Serving.
func (c *Controller) Acquire() (*Slot, bool) {
	c.mu.Lock()
	if c.state != Serving {
		state := c.state
		c.mu.Unlock()
		c.metrics.reject(state)
		return nil, false
	}
	c.tracker.Increment()
	c.mu.Unlock()
	c.metrics.admitted()
	return &Slot{c: c}, true
}

// workCompleted is the release half of Acquire.
func (c *Controller) workCompleted() {
	c.settle()
	c.metrics.completed()
	c.flush()
}

// settle decrements under the lock. An underflow panic leaves the lock free.
func (c *Controller) settle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	left := c.tracker.Decrement()
	if c.state == Draining && left == 0 {
		c.finalizeLocked(cleanOutcome(time.Since(c.started)))
	}
}

func (c *Controller) deadlineElapsed() {
	c.mu.Lock()
	if c.state != Draining {
		c.mu.Unlock()
		return
	}
	c.finalizeLocked(forcedOutcome(c.tracker.Current(), c.timeout, time.Since(c.started)))
	c.mu.Unlock()
	c.flush()
}

// finalizeLocked must be called with c.mu held and the state Draining.
func (c *Controller) finalizeLocked(o Outcome) {
	c.state = Closed
	c.outcome = o
	if c.deadline != nil {
		c.deadline.Stop()
		c.deadline = nil
	}
	c.enqueue(func() {
		defer close(c.done)
		if c.transport != nil {
			if err := c.transport.StopAccepting(); err != nil {
				c.log.Warn("drain.stop_accepting_failed", zap.Error(err))
			}
		}
		if o.Forced {
			c.log.Warn("drain.closed", zap.String("outcome", o.String()),
				zap.Int64("pending", o.Pending), zap.Duration("elapsed", o.Elapsed), zap.Error(o.Err))
		} else {
			c.log.Info("drain.closed", zap.String("outcome", o.String()), zap.Duration("elapsed", o.Elapsed))
		}
		c.metrics.closed(o)
		c.emitClose(o)
	})
}

// enqueue must be called with c.mu held.
func (c *Controller) enqueue(fn func()) {
	c.queue = append(c.queue, fn)
}

// flush delivers queued events in order, outside the lock. Only one goroutine
// flushes at a time; a re-entrant or concurrent caller leaves its events to
// the active flusher. A panicking event does not stop later ones: the queue
// is drained first and the first panic is raised afterwards.
func (c *Controller) flush() {
	c.mu.Lock()
	if c.flushing {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	var first any
	for len(c.queue) > 0 {
		fn := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		if r := guard(fn); r != nil && first == nil {
			first = r
		}
		c.mu.Lock()
	}
	c.flushing = false
	c.mu.Unlock()
	if first != nil {
		panic(first)
	}
}

// Slot is one admitted request. Release must be called when the response
// has been fully written; extra calls are ignored.
type Slot struct {
	c        *Controller
	released atomic.Bool
}

// Release returns the slot to the controller exactly once.
func (s *Slot) Release() {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return
	}
	s.c.workCompleted()
}
