// Package tcsm provides a USB Type-C connection state machine for sink only
// ports. It follows the CC status latched by the port controller and switches
// the sink path of the power path controller accordingly.
package tcsm

import (
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/oxplot/go-usbc"
	"github.com/oxplot/go-usbc/ppc"
	"github.com/oxplot/go-usbc/tcpc"
)

// Max value for timers used (based on Type-C standard).
const (
	timerCCDebounce    = 150 * time.Millisecond
	timerErrorRecovery = 25 * time.Millisecond
)

// maxFailures is the number of consecutive failed ticks after which a port
// goes through error recovery.
const maxFailures = 3

// maxTransitions bounds the state changes done within a single Run.
const maxTransitions = 8

// Option is a functional option for configuring the Machine.
type Option func(*Machine)

// WithClock sets the clock used for the state timers.
func WithClock(clk clockwork.Clock) Option {
	return func(m *Machine) {
		if clk != nil {
			m.clk = clk
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// Machine is the sink connection state machine of one or more ports. It
// implements usbc.TypeC. Init, EventCheck and Run of a port must only be
// called from its port task; State and PDEnabled may be called from any
// goroutine.
type Machine struct {
	tcpc   tcpc.Driver
	ppc    ppc.Driver
	clk    clockwork.Clock
	logger *slog.Logger
	ports  [usbc.MaxPorts]port
}

var _ usbc.TypeC = (*Machine)(nil)

type port struct {
	id       usbc.PortID
	cur      atomic.Pointer[state]
	entering bool
	failures int

	// On each timer start, expiry is set to the timer + now by the relevant
	// state. Zero means no timer is running.
	timerExpiry time.Time

	status    tcpc.CCStatus
	pdEnabled atomic.Bool
}

// New creates a state machine driving pc from the CC status of tc. Either may
// be nil: without a port controller the ports never attach, without a power
// path controller no VBUS path is switched.
func New(tc tcpc.Driver, pc ppc.Driver, opts ...Option) *Machine {
	m := &Machine{
		tcpc:   tc,
		ppc:    pc,
		clk:    clockwork.NewRealClock(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(m)
	}
	for i := range m.ports {
		m.ports[i].id = usbc.PortID(i)
		m.ports[i].cur.Store(stateUnattached)
	}
	return m
}

func (m *Machine) port(p usbc.PortID) *port {
	if !p.Valid() {
		return nil
	}
	return &m.ports[p]
}

// Init puts port p in Unattached.SNK.
func (m *Machine) Init(p usbc.PortID) {
	ps := m.port(p)
	if ps == nil {
		return
	}
	ps.cur.Store(stateUnattached)
	ps.entering = true
	ps.failures = 0
	ps.timerExpiry = time.Time{}
	ps.status = tcpc.CCStatus{}
	ps.pdEnabled.Store(false)
}

// EventCheck refreshes the CC status of port p.
func (m *Machine) EventCheck(p usbc.PortID, evt usbc.Event) {
	ps := m.port(p)
	if ps == nil || m.tcpc == nil {
		return
	}
	ps.status = m.tcpc.Status(p)
}

// PDEnabled returns true while port p is attached to a source.
func (m *Machine) PDEnabled(p usbc.PortID) bool {
	ps := m.port(p)
	return ps != nil && ps.pdEnabled.Load()
}

// State returns the name of the current state of port p.
func (m *Machine) State(p usbc.PortID) string {
	ps := m.port(p)
	if ps == nil {
		return ""
	}
	return ps.cur.Load().Name
}

// Run steps the state machine of port p. A failing state is retried on the
// next call; after maxFailures failures in a row the port goes to
// ErrorRecovery.
func (m *Machine) Run(p usbc.PortID) {
	ps := m.port(p)
	if ps == nil {
		return
	}
	for i := 0; i < maxTransitions; i++ {
		cur := ps.cur.Load()
		next, err := m.step(ps, cur)

		if err != nil {
			ps.failures++
			m.logger.Warn("type-c state failed",
				slog.Int("port", int(p)),
				slog.String("state", cur.Name),
				slog.Int("failures", ps.failures),
				slog.Any("err", err))
			if ps.failures < maxFailures || cur == stateErrorRecovery {
				return
			}
			next = stateErrorRecovery
		} else {
			ps.failures = 0
		}

		if next == nil {
			return
		}
		if cur.Exit != nil {
			if err := cur.Exit(m, ps); err != nil {
				m.logger.Warn("type-c state exit failed",
					slog.Int("port", int(p)),
					slog.String("state", cur.Name),
					slog.Any("err", err))
			}
		}
		ps.failures = 0
		ps.cur.Store(next)
		ps.entering = true
		m.logger.Debug("type-c state", slog.Int("port", int(p)), slog.String("state", next.Name))
	}
}

func (m *Machine) step(ps *port, cur *state) (*state, error) {
	if ps.entering {
		ps.timerExpiry = time.Time{}
		if cur.Enter == nil {
			ps.entering = false
			return nil, nil
		}
		next, err := cur.Enter(m, ps)
		if err == nil {
			ps.entering = false
		}
		return next, err
	}
	if cur.Process == nil {
		return nil, nil
	}
	timedOut := !ps.timerExpiry.IsZero() && !m.clk.Now().Before(ps.timerExpiry)
	if timedOut {
		ps.timerExpiry = time.Time{} // only run timer timeout once
	}
	return cur.Process(m, ps, timedOut)
}

func (m *Machine) startTimer(ps *port, d time.Duration) {
	ps.timerExpiry = m.clk.Now().Add(d)
}

// vbusGone returns true if the power path controller can detect VBUS and
// reports it absent.
func (m *Machine) vbusGone(ps *port) bool {
	if m.ppc == nil {
		return false
	}
	det, ok := ppc.As[ppc.VBUSDetector](m.ppc, ps.id, ppc.CapVBUSDetect)
	return ok && !det.IsVBUSPresent(ps.id)
}

// state represents a Type-C connection state.
type state struct {
	Name string

	// Enter runs actions on entering the state. It may be nil. If it fails it
	// is called again on the next Run. A non-nil next state is entered
	// immediately.
	//
	// Before each call to Enter, the state machine clears the current timer.
	Enter func(m *Machine, ps *port) (next *state, err error)

	// Process is called on every Run while in the state. timedOut is true once
	// when the timer started by the state expires.
	Process func(m *Machine, ps *port, timedOut bool) (next *state, err error)

	// Exit is called when leaving the state. It may be nil. Its errors are
	// logged and do not prevent the transition.
	Exit func(m *Machine, ps *port) error
}

// The state names are the same as those in the Type-C standard.
var (
	stateUnattached    *state
	stateAttachWait    *state
	stateAttached      *state
	stateErrorRecovery *state
)

func init() {

	// Initializing is done here to avoid circular references between states
	// which are not allowed at the package level variable assignments.

	// The sink path is left alone here: on a dead battery boot the power path
	// controller keeps sinking until a source has been seen and removed.
	stateUnattached = &state{
		Name: "Unattached.SNK",
		Enter: func(m *Machine, ps *port) (*state, error) {
			ps.pdEnabled.Store(false)
			return nil, nil
		},
		Process: func(m *Machine, ps *port, timedOut bool) (*state, error) {
			if ps.status.Attached {
				return stateAttachWait, nil
			}
			return nil, nil
		},
	}

	stateAttachWait = &state{
		Name: "AttachWait.SNK",
		Enter: func(m *Machine, ps *port) (*state, error) {
			m.startTimer(ps, timerCCDebounce)
			return nil, nil
		},
		Process: func(m *Machine, ps *port, timedOut bool) (*state, error) {
			if !ps.status.Attached {
				return stateUnattached, nil
			}
			if timedOut {
				return stateAttached, nil
			}
			return nil, nil
		},
	}

	stateAttached = &state{
		Name: "Attached.SNK",
		Enter: func(m *Machine, ps *port) (*state, error) {
			if m.ppc != nil {
				if pc, ok := ppc.As[ppc.PolarityController](m.ppc, ps.id, ppc.CapPolarity); ok {
					if err := pc.SetPolarity(ps.id, ps.status.Polarity); err != nil {
						return nil, err
					}
				}
				if err := m.ppc.VBUSSinkEnable(ps.id, true); err != nil {
					return nil, err
				}
			}
			ps.pdEnabled.Store(true)
			m.logger.Info("attached",
				slog.Int("port", int(ps.id)),
				slog.String("polarity", ps.status.Polarity.String()),
				slog.String("rp", ps.status.Rp.String()))
			return nil, nil
		},
		Process: func(m *Machine, ps *port, timedOut bool) (*state, error) {
			if !ps.status.Attached || m.vbusGone(ps) {
				return stateUnattached, nil
			}
			return nil, nil
		},
		Exit: func(m *Machine, ps *port) error {
			ps.pdEnabled.Store(false)
			m.logger.Info("detached", slog.Int("port", int(ps.id)))
			if m.ppc != nil {
				return m.ppc.VBUSSinkEnable(ps.id, false)
			}
			return nil
		},
	}

	stateErrorRecovery = &state{
		Name: "ErrorRecovery",
		Enter: func(m *Machine, ps *port) (*state, error) {
			ps.pdEnabled.Store(false)
			if m.ppc != nil {
				if err := m.ppc.VBUSSinkEnable(ps.id, false); err != nil {
					m.logger.Warn("error recovery sink disable", slog.Int("port", int(ps.id)), slog.Any("err", err))
				}
			}
			if m.tcpc != nil {
				if err := m.tcpc.Init(ps.id); err != nil {
					m.logger.Warn("error recovery tcpc init", slog.Int("port", int(ps.id)), slog.Any("err", err))
				}
			}
			m.startTimer(ps, timerErrorRecovery)
			return nil, nil
		},
		Process: func(m *Machine, ps *port, timedOut bool) (*state, error) {
			if timedOut {
				return stateUnattached, nil
			}
			return nil, nil
		},
	}

}
