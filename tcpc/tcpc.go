// Package tcpc defines interfaces and types for implementing USB Type-C port
// controller (transceiver) drivers used by the port tasks.
package tcpc

import (
	"tinygo.org/x/drivers"

	"github.com/oxplot/go-usbc"
)

// I2C defines a minimum interface to I2C hardware with a single Tx method
// which allows a single driver implementation to work across many different
// µControllers and host platforms. Both TinyGo machine.I2C and periph.io
// i2c.Bus satisfy it.
//
// Tx must be safe to call concurrently from multiple goroutines. Passing a
// nil value for w or r skips the transfer corresponding to write or read,
// respectively.
type I2C = drivers.I2C

// ChipInfo identifies a port controller chip. The layout of the fields
// matches the host chip-info response: the first four fields are version 0,
// MinReqFWVersion is appended by version 1.
type ChipInfo struct {
	VendorID        uint16
	ProductID       uint16
	DeviceID        uint16
	FWVersion       uint64
	MinReqFWVersion uint64
}

// CCStatus is the latched connection state of a port as last observed by the
// transceiver.
type CCStatus struct {
	// Attached is true while the partner presents Rp and VBUS is present.
	Attached bool
	Polarity usbc.Polarity
	Rp       usbc.RpValue
}

// Driver is a Type-C port controller serving one or more ports. Every method
// except ChipInfo must only be called from the port task of p or from the
// interrupt task of p.
type Driver interface {

	// Init (re-)initializes the controller of port p to a known working state.
	// It may be called multiple times, for instance to recover after a
	// firmware update or a detected desync.
	Init(p usbc.PortID) error

	// Alert drains the pending interrupt causes of the controller of port p.
	// It is the handler called by the interrupt task while the alert line is
	// asserted, so it must clear at least one cause per call.
	Alert(p usbc.PortID) error

	// Run is the per-tick poll step of the controller. Controllers without an
	// alert line process their interrupt registers here.
	Run(p usbc.PortID, evt usbc.Event)

	// Status returns the latched CC status of port p.
	Status(p usbc.PortID) CCStatus

	// ChipInfo returns the identity of the controller of port p. If live is
	// false a cached copy may be returned. ChipInfo may be called from any
	// goroutine.
	ChipInfo(p usbc.PortID, live bool) (ChipInfo, error)
}

// Notifier is informed when a controller latches a change that the port task
// of p must process.
type Notifier interface {
	Notify(p usbc.PortID, evt usbc.Event)
}

// NotifierFunc is an adapter to allow the use of ordinary functions as
// Notifier.
type NotifierFunc func(usbc.PortID, usbc.Event)

// Notify implements Notifier interface.
func (f NotifierFunc) Notify(p usbc.PortID, evt usbc.Event) {
	f(p, evt)
}
