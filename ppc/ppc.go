// Package ppc defines the interfaces implemented by USB-C power path
// controller drivers and the helpers shared by them.
//
// A power path controller switches VBUS between the port and the board. A
// driver serves every port wired to its chip type and keeps its per-port
// state in fixed slots indexed by usbc.PortID. Power path changes for a port
// come from the port task of that port, or from its initialization path.
// RegisterDumper may be called from any goroutine, so drivers serialize the
// bus accesses of each port.
package ppc

import (
	"fmt"
	"io"

	"tinygo.org/x/drivers"

	"github.com/oxplot/go-usbc"
)

// I2C is the bus used to reach power path controllers. See tcpc.I2C.
type I2C = drivers.I2C

// Driver is the set of operations every power path controller supports.
type Driver interface {

	// Init brings the controller of port p to its initial state. It is called
	// once by the port task at startup and must not interrupt a dead battery
	// boot that is already sinking power.
	Init(p usbc.PortID) error

	// IsSourcingVBUS returns true if port p was last enabled as a source.
	IsSourcingVBUS(p usbc.PortID) bool

	// VBUSSinkEnable turns the sink path of port p on or off.
	VBUSSinkEnable(p usbc.PortID, enable bool) error

	// VBUSSourceEnable turns the source path of port p on or off.
	VBUSSourceEnable(p usbc.PortID, enable bool) error

	// SetSourceCurrentLimit sets the source current limit of port p to match
	// the advertised Rp value.
	SetSourceCurrentLimit(p usbc.PortID, rp usbc.RpValue) error

	// DischargeVBUS turns VBUS discharge of port p on or off.
	DischargeVBUS(p usbc.PortID, enable bool) error
}

// VBUSDetector is implemented by controllers that can report VBUS presence.
type VBUSDetector interface {
	IsVBUSPresent(p usbc.PortID) bool
}

// PolarityController is implemented by controllers that need to know the CC
// polarity of the port partner.
type PolarityController interface {
	SetPolarity(p usbc.PortID, pol usbc.Polarity) error
}

// VCONNController is implemented by controllers that can switch VCONN.
type VCONNController interface {
	SetVCONN(p usbc.PortID, enable bool) error
}

// RegisterDumper is implemented by controllers that can print their
// registers for debugging.
type RegisterDumper interface {
	DumpRegisters(p usbc.PortID, w io.Writer) error
}

// Capability is a set of optional features a board enables on a controller.
type Capability uint8

// Optional capabilities.
const (
	CapVBUSDetect Capability = 1 << iota
	CapPolarity
	CapVCONN
	CapRegisterDump
)

var capNames = [...]string{"vbus-detect", "polarity", "vconn", "register-dump"}

func (c Capability) String() string {
	s := ""
	for i, n := range capNames {
		if c&(1<<i) == 0 {
			continue
		}
		if s != "" {
			s += ","
		}
		s += n
	}
	return s
}

// ParseCapability returns the capability named name, as printed by
// Capability.String.
func ParseCapability(name string) (Capability, error) {
	for i, n := range capNames {
		if n == name {
			return 1 << i, nil
		}
	}
	return 0, fmt.Errorf("ppc: unknown capability %q", name)
}

// Capabler is implemented by drivers whose optional features depend on the
// board configuration of each port.
type Capabler interface {
	Capabilities(p usbc.PortID) Capability
}

// As returns d as the optional capability interface T if d implements it and,
// when d is a Capabler, port p has capability c enabled.
//
//	if det, ok := ppc.As[ppc.VBUSDetector](drv, p, ppc.CapVBUSDetect); ok {
//		present = det.IsVBUSPresent(p)
//	}
func As[T any](d Driver, p usbc.PortID, c Capability) (T, bool) {
	var zero T
	t, ok := any(d).(T)
	if !ok {
		return zero, false
	}
	if cb, ok := d.(Capabler); ok && cb.Capabilities(p)&c != c {
		return zero, false
	}
	return t, true
}

// ChargerNotifier is informed of VBUS changes on a port, for instance to start
// BC1.2 detection.
type ChargerNotifier interface {
	VBUSChange(p usbc.PortID, present bool)
}

// ChargerNotifierFunc is an adapter to allow the use of ordinary functions as
// ChargerNotifier.
type ChargerNotifierFunc func(usbc.PortID, bool)

// VBUSChange implements ChargerNotifier interface.
func (f ChargerNotifierFunc) VBUSChange(p usbc.PortID, present bool) {
	f(p, present)
}

// RegisterError records a failed register access.
type RegisterError struct {
	Chip string
	Port usbc.PortID
	Op   string // "read" or "write"
	Reg  uint8
	Err  error
}

func (e *RegisterError) Error() string {
	return fmt.Sprintf("%s: p%d: %s reg 0x%02x: %v", e.Chip, e.Port, e.Op, e.Reg, e.Err)
}

func (e *RegisterError) Unwrap() error {
	return e.Err
}
