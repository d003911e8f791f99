// Package usbc defines the shared types and call contracts of a USB Type-C
// port runtime: port identifiers, the set of reasons a port task wakes up, and
// the interfaces of the layered state machines each port task steps.
package usbc

import (
	"errors"
	"strconv"
)

// MaxPorts is the number of port slots every per-port arena is sized for.
const MaxPorts = 4

// PortID identifies a physical USB-C connector. Valid values are in
// [0, MaxPorts).
type PortID uint8

// Valid returns true if p addresses a slot of a per-port arena.
func (p PortID) Valid() bool {
	return p < MaxPorts
}

// Check returns ErrInvalidPort if p is out of range.
func (p PortID) Check() error {
	if !p.Valid() {
		return ErrInvalidPort
	}
	return nil
}

func (p PortID) String() string {
	return "C" + strconv.Itoa(int(p))
}

// Event can store multiple wake reasons of a port task. A port task consumes
// the whole set at once on each loop iteration.
type Event uint32

// Add adds the events v to the set.
func (e *Event) Add(v Event) {
	*e |= v
}

// Has returns true if the event v is set without clearing it.
func (e Event) Has(v Event) bool {
	return e&v != 0
}

func (e Event) String() string {
	if e == EventNone {
		return "None"
	}
	s := ""
	for r := Event(1); r != 0 && r <= e; r <<= 1 {
		if e&r == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += r.name()
	}
	return s
}

func (e Event) name() string {
	switch e {
	case EventTimer:
		return "Timer"
	case EventInterrupt:
		return "Interrupt"
	case EventWake:
		return "Wake"
	case EventCCChange:
		return "CCChange"
	default:
		return "0x" + strconv.FormatUint(uint64(e), 16)
	}
}

// EventNone represents no event.
const EventNone Event = 0

// The events are listed in order of priority from highest to lowest.
const (
	EventTimer     Event = 1 << iota // Wait timed out with nothing else pending
	EventInterrupt                   // Chip alert was drained and needs processing
	EventWake                        // Explicit wake, e.g. on resume
	EventCCChange                    // Transceiver latched a CC or VBUS change
)

// RpValue is the current advertisement a source presents on CC.
type RpValue uint8

// Rp values.
const (
	RpUSB RpValue = iota // Default USB power
	Rp1A5                // 1.5A
	Rp3A0                // 3.0A
)

func (r RpValue) String() string {
	switch r {
	case RpUSB:
		return "USB"
	case Rp1A5:
		return "1.5A"
	case Rp3A0:
		return "3.0A"
	default:
		return "INVALID"
	}
}

// Polarity is the CC line used for communication with the port partner.
type Polarity uint8

// CC polarities.
const (
	PolarityCC1 Polarity = iota
	PolarityCC2
)

func (p Polarity) String() string {
	if p == PolarityCC2 {
		return "CC2"
	}
	return "CC1"
}

// TypeC is the connection state machine of a port. It is the final authority
// on the physical connection state and is stepped last on every tick.
type TypeC interface {
	// Init puts the state machine of port p in its initial state. It is called
	// once from the port task before the PPC is initialized.
	Init(p PortID)

	// EventCheck applies the events that woke the port task. It runs first on
	// every tick.
	EventCheck(p PortID, evt Event)

	// Run steps the state machine once.
	Run(p PortID)

	// PDEnabled returns true if PD communication is currently allowed on p.
	PDEnabled(p PortID) bool
}

// PolicyEngine is the PD policy engine state machine.
type PolicyEngine interface {
	Run(p PortID, evt Event, pdEnabled bool)
}

// ProtocolLayer is the PD protocol layer state machine.
type ProtocolLayer interface {
	Run(p PortID, evt Event, pdEnabled bool)
}

var (
	// ErrTimeout is returned when a chip stays busy past its bounded wait.
	ErrTimeout = errors.New("timeout")

	// ErrInvalidPort is returned for a port outside [0, MaxPorts) or one that
	// is not wired on the board.
	ErrInvalidPort = errors.New("invalid port")

	// ErrInvalidParam is returned when a request parameter fails validation.
	ErrInvalidParam = errors.New("invalid parameter")

	// ErrNotSupported is returned when a chip lacks an optional capability.
	ErrNotSupported = errors.New("not supported")
)
