package pdtask

import (
	"context"
	"io"
	"log/slog"
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/oxplot/go-usbc"
)

// AlertLine reports the level of the alert line of a port controller.
type AlertLine interface {
	Asserted() bool
}

// AlertLineFunc is an adapter to allow the use of ordinary functions as
// AlertLine.
type AlertLineFunc func() bool

// Asserted implements AlertLine interface.
func (f AlertLineFunc) Asserted() bool {
	return f()
}

type activeLow struct {
	pin gpio.PinIn
}

func (a activeLow) Asserted() bool {
	return a.pin.Read() == gpio.Low
}

// ActiveLow returns an AlertLine that is asserted while pin reads low, as the
// open drain INT_N output of most port controllers.
func ActiveLow(pin gpio.PinIn) AlertLine {
	return activeLow{pin}
}

// AlertHandler clears pending alert causes of a port. tcpc.Driver implements
// it.
type AlertHandler interface {
	Alert(p usbc.PortID) error
}

// InterruptTask drains the alert line of one port. The interrupt side only
// calls Schedule; all chip I/O happens in Run.
type InterruptTask struct {
	port    usbc.PortID
	line    AlertLine
	handler AlertHandler
	logger  *slog.Logger

	// enabled and notify are replaced by Task.Enabled and Task.SetEvent when
	// a port task takes the interrupt task.
	enabled func() bool
	notify  func(usbc.Event)

	pending chan struct{}
}

// NewInterruptTask creates the interrupt task of port p. A nil logger
// disables logging.
func NewInterruptTask(p usbc.PortID, line AlertLine, h AlertHandler, logger *slog.Logger) *InterruptTask {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &InterruptTask{
		port:    p,
		line:    line,
		handler: h,
		logger:  logger.With(slog.Int("port", int(p))),
		enabled: func() bool { return true },
		notify:  func(usbc.Event) {},
		pending: make(chan struct{}, 1),
	}
}

// Port returns the port served by the task.
func (it *InterruptTask) Port() usbc.PortID {
	return it.port
}

// Schedule requests a drain pass. It never blocks and is safe to call from
// any goroutine. Requests made while a pass is pending are merged.
func (it *InterruptTask) Schedule() {
	select {
	case it.pending <- struct{}{}:
	default:
	}
}

// Run performs a drain pass for every request until ctx is done.
func (it *InterruptTask) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-it.pending:
			it.drain(ctx)
		}
	}
}

// drain calls the alert handler for as long as the line stays asserted and
// the port is enabled, then wakes the port task with EventInterrupt if the
// handler ran.
func (it *InterruptTask) drain(ctx context.Context) {
	handled := false
	for ctx.Err() == nil && it.line.Asserted() && it.enabled() {
		handled = true
		if err := it.handler.Alert(it.port); err != nil {
			it.logger.Warn("alert drain", slog.Any("err", err))
		}
	}
	if handled {
		it.notify(usbc.EventInterrupt)
	}
}

// edgeWaitTimeout bounds each wait for an edge so WatchAlertPin notices ctx.
const edgeWaitTimeout = 100 * time.Millisecond

// WatchAlertPin configures pin as a pulled up input with falling edge
// detection and schedules it on every edge until ctx is done. It stands in
// for the interrupt handler of the alert line.
func WatchAlertPin(ctx context.Context, pin gpio.PinIn, it *InterruptTask) error {
	if err := pin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		return err
	}
	defer pin.In(gpio.PullUp, gpio.NoEdge)

	for ctx.Err() == nil {
		if pin.WaitForEdge(edgeWaitTimeout) {
			it.Schedule()
		}
	}
	return nil
}
