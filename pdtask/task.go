// Package pdtask runs the per-port tasks of a USB-C port: the port task that
// steps the layered state machines of a port once per tick, and the
// interrupt task that drains the alert line of the port controller outside of
// interrupt context.
package pdtask

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/oxplot/go-usbc"
	"github.com/oxplot/go-usbc/ppc"
	"github.com/oxplot/go-usbc/tcpc"
)

// DefaultEventTimeout is how long a port task waits for an event before it
// ticks anyway.
const DefaultEventTimeout = 5 * time.Millisecond

// Config holds the collaborators and tuning of a port task. Only TypeC is
// required.
type Config struct {
	TypeC    usbc.TypeC
	TCPC     tcpc.Driver
	PPC      ppc.Driver
	Policy   usbc.PolicyEngine
	Protocol usbc.ProtocolLayer

	// Interrupt is the interrupt task draining the alert line of the port, if
	// the port controller has one.
	Interrupt *InterruptTask

	EventTimeout time.Duration
	Clock        clockwork.Clock
	Logger       *slog.Logger
}

// Option is a functional option for configuring a Task.
type Option func(*Config)

// WithTypeC sets the connection state machine.
func WithTypeC(tc usbc.TypeC) Option {
	return func(c *Config) { c.TypeC = tc }
}

// WithTCPC sets the port controller driver.
func WithTCPC(d tcpc.Driver) Option {
	return func(c *Config) { c.TCPC = d }
}

// WithPPC sets the power path controller driver.
func WithPPC(d ppc.Driver) Option {
	return func(c *Config) { c.PPC = d }
}

// WithPolicyEngine sets the PD policy engine.
func WithPolicyEngine(pe usbc.PolicyEngine) Option {
	return func(c *Config) { c.Policy = pe }
}

// WithProtocolLayer sets the PD protocol layer.
func WithProtocolLayer(prl usbc.ProtocolLayer) Option {
	return func(c *Config) { c.Protocol = prl }
}

// WithInterruptTask sets the interrupt task of the port.
func WithInterruptTask(it *InterruptTask) Option {
	return func(c *Config) { c.Interrupt = it }
}

// WithEventTimeout sets how long the task waits for an event before ticking.
func WithEventTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.EventTimeout = d
		}
	}
}

// WithClock sets the clock used for the event timeout.
func WithClock(clk clockwork.Clock) Option {
	return func(c *Config) {
		if clk != nil {
			c.Clock = clk
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// ErrNoTypeC is returned by New when no connection state machine is set.
var ErrNoTypeC = errors.New("pdtask: no type-c state machine")

// ErrNilTask is returned by NewPorts when given a nil task.
var ErrNilTask = errors.New("pdtask: nil task")

// Task is the port task of one port. Its state machines and drivers are only
// ever stepped from the goroutine running Run. Every other method may be
// called from any goroutine.
type Task struct {
	port usbc.PortID
	cfg  Config

	enabled atomic.Bool
	paused  atomic.Bool
	restart atomic.Bool

	mu     sync.Mutex
	events usbc.Event

	// notify is signalled whenever events are added. A stale signal only
	// causes an empty wake, which is ignored.
	notify chan struct{}

	running atomic.Bool
}

// New creates the port task of port p.
func New(p usbc.PortID, opts ...Option) (*Task, error) {
	if err := p.Check(); err != nil {
		return nil, fmt.Errorf("pdtask: port %d: %w", p, err)
	}
	t := &Task{
		port: p,
		cfg: Config{
			EventTimeout: DefaultEventTimeout,
			Clock:        clockwork.NewRealClock(),
			Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		},
		notify: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(&t.cfg)
	}
	if t.cfg.TypeC == nil {
		return nil, ErrNoTypeC
	}
	t.cfg.Logger = t.cfg.Logger.With(slog.Int("port", int(p)))
	if it := t.cfg.Interrupt; it != nil {
		if it.port != p {
			return nil, fmt.Errorf("pdtask: port %d: interrupt task of port %d", p, it.port)
		}
		it.enabled = t.Enabled
		it.notify = t.SetEvent
	}
	return t, nil
}

// Port returns the port the task runs.
func (t *Task) Port() usbc.PortID {
	return t.port
}

// PPC returns the power path controller of the port or nil.
func (t *Task) PPC() ppc.Driver {
	return t.cfg.PPC
}

// TCPC returns the port controller of the port or nil.
func (t *Task) TCPC() tcpc.Driver {
	return t.cfg.TCPC
}

// TypeC returns the connection state machine of the port.
func (t *Task) TypeC() usbc.TypeC {
	return t.cfg.TypeC
}

// Interrupt returns the interrupt task of the port or nil.
func (t *Task) Interrupt() *InterruptTask {
	return t.cfg.Interrupt
}

// Enabled returns true once the task has initialized its port and until Run
// returns.
func (t *Task) Enabled() bool {
	return t.enabled.Load()
}

// Paused returns true if the task is paused.
func (t *Task) Paused() bool {
	return t.paused.Load()
}

// SetEvent adds evt to the pending events and wakes the task.
func (t *Task) SetEvent(evt usbc.Event) {
	t.mu.Lock()
	t.events.Add(evt)
	t.mu.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Notify implements tcpc.Notifier interface.
func (t *Task) Notify(p usbc.PortID, evt usbc.Event) {
	if p == t.port {
		t.SetEvent(evt)
	}
}

// Pause stops the periodic ticks of the task. A wait already in progress
// still ends at its timeout; every following wait only ends on an event.
func (t *Task) Pause() {
	t.paused.Store(true)
	t.cfg.Logger.Debug("port task paused")
}

// Resume restarts the periodic ticks and wakes the task at once.
func (t *Task) Resume() {
	t.paused.Store(false)
	t.SetEvent(usbc.EventWake)
	t.cfg.Logger.Debug("port task resumed")
}

// RestartTransceiver asks the task to reinitialize the port controller on its
// next tick, for instance after a firmware update or a detected desync.
func (t *Task) RestartTransceiver() error {
	if t.cfg.TCPC == nil {
		return usbc.ErrNotSupported
	}
	t.restart.Store(true)
	t.SetEvent(usbc.EventWake)
	return nil
}

// Run initializes the port and runs the event loop until ctx is done. Errors
// of the state machines and drivers never end the loop.
func (t *Task) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return fmt.Errorf("pdtask: port %d: already running", t.port)
	}
	defer t.running.Store(false)

	t.init()
	defer t.enabled.Store(false)

	for {
		evt, err := t.wait(ctx)
		if err != nil {
			t.cfg.Logger.Debug("port task stopped")
			return nil
		}
		t.tick(evt)
	}
}

func (t *Task) init() {
	p := t.port
	t.cfg.TypeC.Init(p)
	if t.cfg.TCPC != nil {
		if err := t.cfg.TCPC.Init(p); err != nil {
			t.cfg.Logger.Error("tcpc init", slog.Any("err", err))
		}
	}
	if t.cfg.PPC != nil {
		if err := t.cfg.PPC.Init(p); err != nil {
			t.cfg.Logger.Error("ppc init", slog.Any("err", err))
		}
	}
	t.enabled.Store(true)

	// The alert line may have fired before anyone listened to it

	if t.cfg.Interrupt != nil {
		t.cfg.Interrupt.Schedule()
	}
	t.cfg.Logger.Info("port task started")
}

func (t *Task) tick(evt usbc.Event) {
	p := t.port

	if t.restart.Swap(false) {
		if err := t.cfg.TCPC.Init(p); err != nil {
			t.cfg.Logger.Error("tcpc restart", slog.Any("err", err))
		} else {
			t.cfg.Logger.Info("tcpc restarted")
		}
	}

	t.cfg.TypeC.EventCheck(p, evt)
	if t.cfg.TCPC != nil {
		t.cfg.TCPC.Run(p, evt)
	}
	pdEnabled := t.cfg.TypeC.PDEnabled(p)
	if t.cfg.Policy != nil {
		t.cfg.Policy.Run(p, evt, pdEnabled)
	}
	if t.cfg.Protocol != nil {
		t.cfg.Protocol.Run(p, evt, pdEnabled)
	}

	// Type-C runs last so it has the final say on the connection

	t.cfg.TypeC.Run(p)
}

func (t *Task) takeEvents() usbc.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	evt := t.events
	t.events = usbc.EventNone
	return evt
}

// wait blocks until an event is pending or, unless paused, the event timeout
// passes. All pending events are taken at once.
func (t *Task) wait(ctx context.Context) (usbc.Event, error) {
	for {
		if evt := t.takeEvents(); evt != usbc.EventNone {
			return evt, nil
		}

		var timer clockwork.Timer
		var timeout <-chan time.Time
		if !t.paused.Load() {
			timer = t.cfg.Clock.NewTimer(t.cfg.EventTimeout)
			timeout = timer.Chan()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return usbc.EventNone, ctx.Err()
		case <-t.notify:
			if timer != nil {
				timer.Stop()
			}
		case <-timeout:
			return usbc.EventTimer | t.takeEvents(), nil
		}
	}
}
