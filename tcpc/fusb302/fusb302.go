// Package fusb302 implements type-C port controller driver for FUSB302 from
// ONSemi.
//
// The driver only handles the connection layer: CC toggling, polarity and Rp
// detection and VBUS presence. PD messages are flushed from the receive FIFO
// without being decoded.
package fusb302

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/oxplot/go-usbc"
	"github.com/oxplot/go-usbc/tcpc"
)

// MPN represents the manufacturer part number
type MPN uint8

// I2CAddress returns the I2C address of the FUSB302.
func (m MPN) I2CAddress() uint8 {
	return uint8(m)
}

// Manufacturer part numbers
const (
	FUSB302BUCX   MPN = 0b100010
	FUSB302BMPX   MPN = 0b100010
	FUSB302VMPX   MPN = 0b100010
	FUSB302B01MPX MPN = 0b100011
	FUSB302B10MPX MPN = 0b100100
	FUSB302B11MPX MPN = 0b100101
)

// Identity reported in chip info. The FUSB302 has no vendor or product ID
// registers, only a device ID.
const (
	VendorID  = 0x0779
	ProductID = 0x0302
)

// Chip describes one FUSB302 wired to a port.
type Chip struct {
	Port usbc.PortID
	Bus  tcpc.I2C
	MPN  MPN

	// Polled must be set when the INT_N line of the chip is not wired to an
	// interrupt capable pin. Interrupt registers are then read on every tick.
	Polled bool
}

// Driver is a port controller driver for one or more FUSB302 chips.
type Driver struct {
	chips    [usbc.MaxPorts]*chip
	notifier tcpc.Notifier
	logger   *slog.Logger
}

type chip struct {
	// mu serializes register sequences between the port task, the interrupt
	// task and host chip-info reads.
	mu     sync.Mutex
	bus    tcpc.I2C
	addr   uint16
	polled bool

	status tcpc.CCStatus

	info      tcpc.ChipInfo
	infoValid bool

	// Buffer used for tx and rx, defined once here instead to avoid heap
	// allocations in each method used.
	buf [8]byte
}

var _ tcpc.Driver = (*Driver)(nil)

// New creates a driver for the given chips. Notifier is called whenever an
// alert changes the CC status of a port; it may be nil.
func New(chips []Chip, notifier tcpc.Notifier, logger *slog.Logger) (*Driver, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d := &Driver{notifier: notifier, logger: logger}
	for _, c := range chips {
		if err := c.Port.Check(); err != nil {
			return nil, fmt.Errorf("fusb302: port %d: %w", c.Port, err)
		}
		if c.Bus == nil {
			return nil, fmt.Errorf("fusb302: port %d: nil bus", c.Port)
		}
		if d.chips[c.Port] != nil {
			return nil, fmt.Errorf("fusb302: port %d: configured twice", c.Port)
		}
		d.chips[c.Port] = &chip{
			bus:    c.Bus,
			addr:   uint16(c.MPN.I2CAddress()),
			polled: c.Polled,
		}
	}
	return d, nil
}

// SetNotifier replaces the notifier. It must be called before any port task
// starts.
func (d *Driver) SetNotifier(n tcpc.Notifier) {
	d.notifier = n
}

func (d *Driver) chip(p usbc.PortID) (*chip, error) {
	if !p.Valid() || d.chips[p] == nil {
		return nil, usbc.ErrInvalidPort
	}
	return d.chips[p], nil
}

func (c *chip) write(r uint8, v byte) error {
	c.buf[0] = r
	c.buf[1] = v
	return c.bus.Tx(c.addr, c.buf[:2], nil)
}

func (c *chip) read(r uint8) (byte, error) {
	c.buf[0] = r
	err := c.bus.Tx(c.addr, c.buf[:1], c.buf[1:2])
	return c.buf[1], err
}

func (c *chip) readMany(r uint8, d []byte) error {
	c.buf[0] = r
	err := c.bus.Tx(c.addr, c.buf[:1], c.buf[1:len(d)+1])
	if err == nil {
		copy(d, c.buf[1:len(d)+1])
	}
	return err
}

// Init initializes the controller of port p and starts sink CC toggling.
func (d *Driver) Init(p usbc.PortID) error {
	c, err := d.chip(p)
	if err != nil {
		return err
	}
	c.mu.Lock()
	err = c.init()
	wasAttached := c.status.Attached
	c.status = tcpc.CCStatus{}
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("fusb302: p%d: init: %w", p, err)
	}
	d.logger.Debug("tcpc init", slog.Int("port", int(p)))
	if wasAttached {
		d.notify(p)
	}
	return nil
}

func (c *chip) init() error {

	// Reset the chip and registers to default

	if err := c.write(regReset, regResetSWReset); err != nil {
		return err
	}

	// Flush the rx buffer

	if err := c.write(regControl1, regControl1RxFlush); err != nil {
		return err
	}

	// Turn on all power

	if err := c.write(regPower, regPowerPwrAll); err != nil {
		return err
	}

	// Turn on auto detect CC in sink mode

	if err := c.write(regControl2, regControl2ToggleSnk); err != nil {
		return err
	}

	// Turn on auto retry

	if err := c.write(regControl3, 0b111); err != nil {
		return err
	}

	return nil
}

// ErrInvalidCCState is returned when the CC state is invalid.
var ErrInvalidCCState = errors.New("invalid cc state")

// Alert processes all pending interrupts of port p. Reading the interrupt
// registers clears them and releases INT_N.
func (d *Driver) Alert(p usbc.PortID) error {
	c, err := d.chip(p)
	if err != nil {
		return err
	}
	c.mu.Lock()
	changed, err := c.alert()
	c.mu.Unlock()
	if changed {
		d.notify(p)
	}
	if err != nil {
		d.logger.Warn("tcpc alert", slog.Int("port", int(p)), slog.Any("err", err))
		return fmt.Errorf("fusb302: p%d: alert: %w", p, err)
	}
	return nil
}

// Run reads the interrupt registers on every tick for chips without an
// interrupt line.
func (d *Driver) Run(p usbc.PortID, evt usbc.Event) {
	c, err := d.chip(p)
	if err != nil || !c.polled {
		return
	}
	_ = d.Alert(p)
}

// Status returns the latched CC status of port p.
func (d *Driver) Status(p usbc.PortID) tcpc.CCStatus {
	c, err := d.chip(p)
	if err != nil {
		return tcpc.CCStatus{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (d *Driver) notify(p usbc.PortID) {
	if d.notifier != nil {
		d.notifier.Notify(p, usbc.EventCCChange)
	}
}

// alert must be called with c.mu held. It reports whether the latched status
// changed.
func (c *chip) alert() (changed bool, err error) {
	var regs [7]byte
	if err = c.readMany(regStatus0A, regs[:]); err != nil {
		return
	}
	status1A, intA, status0, intT := regs[1], regs[2], regs[4], regs[6]

	// Set CC polarity after CC is settled

	if intA&regInterruptATogDone != 0 {

		// Determine host current capabilities at 5V

		switch status0 & regStatus0BCLvlMask {
		case 1:
			c.status.Rp = usbc.RpUSB
		case 2:
			c.status.Rp = usbc.Rp1A5
		case 3:
			c.status.Rp = usbc.Rp3A0
		}

		// Turn off auto detect function

		if err = c.write(regControl2, 0); err != nil {
			return
		}

		// Enable tx and rx on the detected CC line

		var pol uint8
		var meas uint8

		switch (status1A >> regStatus1ATogSSPos) & regStatus1ATogSSMask {
		case regStatus1ATogSSSnk1:
			pol = regSwitches1TxCC1En
			meas = regSwitches0MeasCC1
			c.status.Polarity = usbc.PolarityCC1
		case regStatus1ATogSSSnk2:
			pol = regSwitches1TxCC2En
			meas = regSwitches0MeasCC2
			c.status.Polarity = usbc.PolarityCC2
		default:
			err = ErrInvalidCCState
			return
		}
		if err = c.write(regSwitches1, regSwitches1SpecRev1|regSwitches1AutoGCRC|pol); err != nil {
			return
		}
		if err = c.write(regSwitches0, meas|regSwitches0CC1PdEn|regSwitches0CC2PdEn); err != nil {
			return
		}
		changed = true
	}

	// VBUS detection

	if intT&regInterruptVBusOK != 0 {
		attached := status0&regStatus0VBusOK != 0
		if attached != c.status.Attached {
			changed = true
		}
		c.status.Attached = attached
		if !attached {

			// Partner is gone, go back to toggling

			c.status.Polarity = usbc.PolarityCC1
			c.status.Rp = usbc.RpUSB
			if err = c.write(regControl2, regControl2ToggleSnk); err != nil {
				return
			}
		}
	}

	// Message received, drop it

	if intT&regInterruptCRCChk != 0 {
		if err = c.write(regControl1, regControl1RxFlush); err != nil {
			return
		}
	}

	return
}

// ChipInfo returns the identity of the FUSB302 on port p. A cached copy is
// returned when live is false and the device ID was read before. On a failed
// live read the last known identity is returned with the error.
func (d *Driver) ChipInfo(p usbc.PortID, live bool) (tcpc.ChipInfo, error) {
	c, err := d.chip(p)
	if err != nil {
		return tcpc.ChipInfo{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.infoValid && !live {
		return c.info, nil
	}
	id, err := c.read(regDeviceID)
	if err != nil {
		return c.info, fmt.Errorf("fusb302: p%d: chip info: %w", p, err)
	}
	c.info = tcpc.ChipInfo{
		VendorID:  VendorID,
		ProductID: ProductID,
		DeviceID:  uint16(id),
		FWVersion: ^uint64(0), // no firmware
	}
	c.infoValid = true
	return c.info, nil
}

const (
	regDeviceID = 0x01

	regSwitches0        = 0x02
	regSwitches0MeasCC2 = 1 << 3
	regSwitches0MeasCC1 = 1 << 2
	regSwitches0CC2PdEn = 1 << 1
	regSwitches0CC1PdEn = 1 << 0

	regSwitches1         = 0x03
	regSwitches1SpecRev1 = 1 << 6
	regSwitches1AutoGCRC = 1 << 2
	regSwitches1TxCC2En  = 1 << 1
	regSwitches1TxCC1En  = 1 << 0

	regControl1        = 0x07
	regControl1RxFlush = 1 << 2

	regControl2          = 0x08
	regControl2ToggleSnk = 0b00000101

	regControl3 = 0x09

	regPower       = 0x0B
	regPowerPwrAll = 0xF

	regReset        = 0x0C
	regResetSWReset = 1 << 0

	regStatus0A = 0x3C

	regStatus1ATogSSSnk1 = 0b101
	regStatus1ATogSSSnk2 = 0b110
	regStatus1ATogSSPos  = 3
	regStatus1ATogSSMask = 0x7

	regInterruptATogDone = 1 << 6

	regStatus0          = 0x40
	regStatus0VBusOK    = 1 << 7
	regStatus0BCLvlMask = 0b11

	regInterruptVBusOK = 1 << 7
	regInterruptCRCChk = 1 << 4
)
