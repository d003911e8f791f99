// Package syv682x implements a power path controller driver for the Silergy
// SYV682A/SYV682B USB-C power switches.
//
// The SYV682x has a single bidirectional VBUS channel: the source (5V) and
// sink (high voltage) paths cannot be enabled at the same time nor disabled
// independently. During a channel transition or a VBUS discharge the chip
// silently ignores I2C writes and reports BUSY, so every register write first
// polls BUSY until it clears.
//
// Register accesses of a port are serialized, so register dumps may be taken
// from another goroutine than the one running the port.
package syv682x

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/oxplot/go-usbc"
	"github.com/oxplot/go-usbc/ppc"
)

// I2C addresses selected by the ADDR pin.
const (
	Addr0 = 0x40
	Addr1 = 0x41
	Addr2 = 0x42
	Addr3 = 0x43
)

// Timing of the BUSY poll. MaxBusyWait is the longest time that can be
// programmed in the DSG_TIME field.
const (
	MaxBusyWait      = 400 * time.Millisecond
	BusyPollInterval = time.Millisecond
)

// Chip describes one SYV682x wired to a port.
type Chip struct {
	Port usbc.PortID
	Bus  ppc.I2C
	Addr uint16

	// Caps lists the optional features the board uses on this chip.
	Caps ppc.Capability
}

// Config holds the driver configuration.
type Config struct {
	// BusyTimeout bounds the BUSY poll before each register write.
	BusyTimeout time.Duration

	// Clock is used for the BUSY poll.
	Clock clockwork.Clock

	Logger *slog.Logger

	// Charger is informed of VBUS changes on ports with ppc.CapVBUSDetect.
	Charger ppc.ChargerNotifier
}

func defaultConfig() Config {
	return Config{
		BusyTimeout: MaxBusyWait,
		Clock:       clockwork.NewRealClock(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option is a functional option for configuring the Driver.
type Option func(*Config)

// WithBusyTimeout sets the bound of the BUSY poll.
func WithBusyTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.BusyTimeout = d
		}
	}
}

// WithClock sets the clock used to pace the BUSY poll.
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

// WithChargerNotifier sets the receiver of VBUS change notifications.
func WithChargerNotifier(n ppc.ChargerNotifier) Option {
	return func(c *Config) {
		c.Charger = n
	}
}

// Driver is a power path controller driver for one or more SYV682x chips.
type Driver struct {
	cfg   Config
	ports [usbc.MaxPorts]*port
}

var (
	_ ppc.Driver             = (*Driver)(nil)
	_ ppc.VBUSDetector       = (*Driver)(nil)
	_ ppc.PolarityController = (*Driver)(nil)
	_ ppc.VCONNController    = (*Driver)(nil)
	_ ppc.RegisterDumper     = (*Driver)(nil)
	_ ppc.Capabler           = (*Driver)(nil)
)

type port struct {
	id   usbc.PortID
	bus  ppc.I2C
	addr uint16
	caps ppc.Capability

	mu    sync.Mutex // guards flags, buf and read-modify-write sequences
	flags flags
	buf   [2]byte
}

// flags is the driver state of one port. It is only changed through its
// setters.
type flags struct {
	sourceEnabled bool
	polarity      usbc.Polarity // CC line used for communication
	vbusPresent   bool          // last value reported by IsVBUSPresent
}

func (f *flags) setSourceEnabled(v bool) {
	f.sourceEnabled = v
}

func (f *flags) setPolarity(pol usbc.Polarity) {
	f.polarity = pol
}

// latchVBUS stores v and reports whether it differs from the latched value.
func (f *flags) latchVBUS(v bool) (changed bool) {
	changed = f.vbusPresent != v
	f.vbusPresent = v
	return changed
}

// New creates a driver for the given chips.
func New(chips []Chip, opts ...Option) (*Driver, error) {
	d := &Driver{cfg: defaultConfig()}
	for _, o := range opts {
		o(&d.cfg)
	}
	for _, c := range chips {
		if err := c.Port.Check(); err != nil {
			return nil, fmt.Errorf("syv682x: port %d: %w", c.Port, err)
		}
		if c.Bus == nil {
			return nil, fmt.Errorf("syv682x: port %d: nil bus", c.Port)
		}
		if d.ports[c.Port] != nil {
			return nil, fmt.Errorf("syv682x: port %d: configured twice", c.Port)
		}
		d.ports[c.Port] = &port{id: c.Port, bus: c.Bus, addr: c.Addr, caps: c.Caps}
	}
	return d, nil
}

func (d *Driver) port(p usbc.PortID) (*port, error) {
	if !p.Valid() || d.ports[p] == nil {
		return nil, usbc.ErrInvalidPort
	}
	return d.ports[p], nil
}

// Capabilities returns the optional features enabled on port p.
func (d *Driver) Capabilities(p usbc.PortID) ppc.Capability {
	pt, err := d.port(p)
	if err != nil {
		return 0
	}
	return pt.caps
}

func (d *Driver) readReg(pt *port, reg uint8) (uint8, error) {
	pt.buf[0] = reg
	if err := pt.bus.Tx(pt.addr, pt.buf[:1], pt.buf[1:2]); err != nil {
		return 0, &ppc.RegisterError{Chip: "syv682x", Port: pt.id, Op: "read", Reg: reg, Err: err}
	}
	return pt.buf[1], nil
}

// waitForReady polls BUSY until the chip accepts writes.
func (d *Driver) waitForReady(pt *port) error {
	err := ppc.PollUntil(d.cfg.Clock, BusyPollInterval, d.cfg.BusyTimeout, func() (bool, error) {
		v, err := d.readReg(pt, regControl3)
		return v&regControl3Busy == 0, err
	})
	if errors.Is(err, usbc.ErrTimeout) {
		d.cfg.Logger.Warn("syv682x busy timeout", slog.Int("port", int(pt.id)))
		return fmt.Errorf("syv682x: p%d: busy: %w", pt.id, err)
	}
	return err
}

func (d *Driver) writeReg(pt *port, reg, v uint8) error {
	if err := d.waitForReady(pt); err != nil {
		return err
	}
	pt.buf[0] = reg
	pt.buf[1] = v
	if err := pt.bus.Tx(pt.addr, pt.buf[:2], nil); err != nil {
		return &ppc.RegisterError{Chip: "syv682x", Port: pt.id, Op: "write", Reg: reg, Err: err}
	}
	return nil
}

// IsSourcingVBUS returns true if port p was last enabled as a source.
func (d *Driver) IsSourcingVBUS(p usbc.PortID) bool {
	pt, err := d.port(p)
	if err != nil {
		return false
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.flags.sourceEnabled
}

// DischargeVBUS does nothing: smart discharge is enabled at init and the chip
// discharges VBUS on its own.
func (d *Driver) DischargeVBUS(p usbc.PortID, enable bool) error {
	_, err := d.port(p)
	return err
}

// VBUSSinkEnable turns the sink path of port p on or off. Enabling the sink
// while sourcing is a no-op since the channel is shared. Disabling turns the
// channel off whichever way it points.
func (d *Driver) VBUSSinkEnable(p usbc.PortID, enable bool) error {
	pt, err := d.port(p)
	if err != nil {
		return err
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return d.sinkEnable(pt, enable)
}

func (d *Driver) sinkEnable(pt *port, enable bool) error {
	if enable && pt.flags.sourceEnabled {
		return nil
	}

	// For sink mode need to make sure high voltage power path is connected
	// and sink mode is selected.

	v, err := d.readReg(pt, regControl1)
	if err != nil {
		return err
	}
	if enable {
		v = ppc.SetBits(v, regControl1ChSel)
		v = ppc.ClearBits(v, regControl1HVDR|regControl1PwrEnb)
	} else {
		// Direction and path are left as is; PWR_ENB turns the channel off.
		v = ppc.SetBits(v, regControl1PwrEnb)
	}
	if err := d.writeReg(pt, regControl1, v); err != nil {
		return err
	}
	if !enable {
		pt.flags.setSourceEnabled(false)
	}
	return nil
}

// VBUSSourceEnable turns the source path of port p on or off. Disabling only
// touches the chip if port p is sourcing: the PD stack disables the source
// during its bring-up and the chip may be keeping a dead battery board alive
// through the sink path at that point.
func (d *Driver) VBUSSourceEnable(p usbc.PortID, enable bool) error {
	pt, err := d.port(p)
	if err != nil {
		return err
	}
	pt.mu.Lock()
	changed, err := d.sourceEnable(pt, enable)
	pt.mu.Unlock()
	if err != nil || !changed {
		return err
	}

	// VBUS may be changing, let the charger restart BC1.2 detection.

	if pt.caps&ppc.CapVBUSDetect != 0 && d.cfg.Charger != nil {
		d.cfg.Charger.VBUSChange(p, enable)
	}
	return nil
}

// sourceEnable reports whether the channel was written.
func (d *Driver) sourceEnable(pt *port, enable bool) (bool, error) {
	if !enable && !pt.flags.sourceEnabled {
		return false, nil
	}
	v, err := d.readReg(pt, regControl1)
	if err != nil {
		return false, err
	}
	if enable {
		// Select 5V path, disable HV sink path and turn on channel
		v = ppc.ClearBits(v, regControl1ChSel|regControl1PwrEnb)
		v = ppc.SetBits(v, regControl1HVDR)
	} else {
		v = ppc.SetBits(v, regControl1PwrEnb)
	}
	if err := d.writeReg(pt, regControl1, v); err != nil {
		return false, err
	}
	pt.flags.setSourceEnabled(enable)
	return true, nil
}

// IsVBUSPresent returns true if VBUS is at vSafe5V or above. The charger is
// notified once per change of the reported value. A failed status read
// reports no VBUS and leaves the latched value alone.
func (d *Driver) IsVBUSPresent(p usbc.PortID) bool {
	pt, err := d.port(p)
	if err != nil {
		return false
	}
	pt.mu.Lock()
	v, err := d.readReg(pt, regStatus)
	if err != nil {
		pt.mu.Unlock()
		return false
	}

	// Neither vSafe5V nor vSafe0V means VBUS is above 5V.

	present := v&regStatusVSafe5V != 0 || v&(regStatusVSafe5V|regStatusVSafe0V) == 0
	changed := pt.flags.latchVBUS(present)
	pt.mu.Unlock()
	if changed && d.cfg.Charger != nil {
		d.cfg.Charger.VBUSChange(p, present)
	}
	return present
}

// SetSourceCurrentLimit sets the current limit of the source path. The limit
// leaves headroom above each Rp level.
func (d *Driver) SetSourceCurrentLimit(p usbc.PortID, rp usbc.RpValue) error {
	pt, err := d.port(p)
	if err != nil {
		return err
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	v, err := d.readReg(pt, regControl1)
	if err != nil {
		return err
	}
	var limit uint8
	switch rp {
	case usbc.Rp3A0:
		limit = ilim3A30
	case usbc.Rp1A5:
		limit = ilim1A75
	default:
		limit = ilim1A25 // lowest setting
	}
	v = ppc.SetField(v, regControl1ILimMask, regControl1ILimShift, limit)
	return d.writeReg(pt, regControl1, v)
}

// SetPolarity records the CC polarity of port p. The SYV682x does not use it
// itself but VCONN must be connected to the CC line not used for
// communication.
func (d *Driver) SetPolarity(p usbc.PortID, pol usbc.Polarity) error {
	pt, err := d.port(p)
	if err != nil {
		return err
	}
	if pt.caps&ppc.CapPolarity == 0 {
		return usbc.ErrNotSupported
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.flags.setPolarity(pol)
	return nil
}

// SetVCONN switches VCONN on the CC line opposite to the recorded polarity.
func (d *Driver) SetVCONN(p usbc.PortID, enable bool) error {
	pt, err := d.port(p)
	if err != nil {
		return err
	}
	if pt.caps&ppc.CapVCONN == 0 {
		return usbc.ErrNotSupported
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	v, err := d.readReg(pt, regControl4)
	if err != nil {
		return err
	}
	if !enable {
		v = ppc.ClearBits(v, regControl4VConn1|regControl4VConn2)
	} else if pt.flags.polarity == usbc.PolarityCC2 {
		v = ppc.SetBits(v, regControl4VConn1)
	} else {
		v = ppc.SetBits(v, regControl4VConn2)
	}
	return d.writeReg(pt, regControl4, v)
}

// DumpRegisters prints all registers of port p to w. Registers that cannot
// be read are reported and skipped.
func (d *Driver) DumpRegisters(p usbc.PortID, w io.Writer) error {
	pt, err := d.port(p)
	if err != nil {
		return err
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for reg := uint8(regStatus); reg <= regControl4; reg++ {
		v, err := d.readReg(pt, reg)
		if err != nil {
			fmt.Fprintf(w, "ppc_syv682[p%d]: Failed to read reg 0x%02x\n", p, reg)
			continue
		}
		fmt.Fprintf(w, "ppc_syv682[p%d]: reg 0x%02x = 0x%02x\n", p, reg, v)
	}
	return nil
}

// Init resets the chip of port p and configures it. The order of the steps
// matters: the dead battery check must come after the reset and before the
// CC lines are handed over to the port controller.
func (d *Driver) Init(p usbc.PortID) error {
	pt, err := d.port(p)
	if err != nil {
		return err
	}
	pt.mu.Lock()
	err = d.init(pt)
	pt.mu.Unlock()
	if err != nil {
		return err
	}
	d.cfg.Logger.Debug("syv682x init", slog.Int("port", int(p)))
	return nil
}

func (d *Driver) init(pt *port) error {

	// The SYV682x has no reset pin. RST_REG resets all registers to their
	// defaults and clears itself.

	if err := d.writeReg(pt, regControl3, regControl3RstReg); err != nil {
		return err
	}

	// BUSY is asserted until the reset completes

	if err := d.waitForReady(pt); err != nil {
		return err
	}

	// Enable smart discharge: the chip discharges VBUS by itself on UVLO,
	// channel shutdown, over current, over voltage and thermal shutdown.

	v, err := d.readReg(pt, regControl2)
	if err != nil {
		return err
	}
	if err := d.writeReg(pt, regControl2, ppc.SetBits(v, regControl2SDSG)); err != nil {
		return err
	}

	// Select max voltage for OVP

	if v, err = d.readReg(pt, regControl3); err != nil {
		return err
	}
	v = ppc.SetField(v, regControl3OVPMask, regControl3OVPShift, ovp23V7)
	if err := d.writeReg(pt, regControl3, v); err != nil {
		return err
	}

	// Without vSafe0V VBUS is up before anyone asked for it: this is a dead
	// battery boot and the sink path must stay on.

	if v, err = d.readReg(pt, regStatus); err != nil {
		return err
	}
	if v&regStatusVSafe0V != 0 {
		if v, err = d.readReg(pt, regControl1); err != nil {
			return err
		}
		if err := d.writeReg(pt, regControl1, ppc.SetBits(v, regControl1PwrEnb)); err != nil {
			return err
		}
	} else {
		d.cfg.Logger.Info("syv682x dead battery boot", slog.Int("port", int(pt.id)))
		if err := d.sinkEnable(pt, true); err != nil {
			return err
		}
	}

	// Remove Rd and connect CC1/CC2 to the port controller, with fast role
	// swap disabled.

	if v, err = d.readReg(pt, regControl4); err != nil {
		return err
	}
	v = ppc.SetBits(v, regControl4CC1BPS|regControl4CC2BPS|regControl4CCFRS)
	return d.writeReg(pt, regControl4, v)
}

const (
	regStatus        = 0x00
	regStatusOCHV    = 1 << 7
	regStatusRVS     = 1 << 6
	regStatusOC5V    = 1 << 5
	regStatusOVP     = 1 << 4
	regStatusFRS     = 1 << 3
	regStatusTSD     = 1 << 2
	regStatusVSafe5V = 1 << 1
	regStatusVSafe0V = 1 << 0

	regControl1          = 0x01
	regControl1PwrEnb    = 1 << 7
	regControl1ILimMask  = 0x18
	regControl1ILimShift = 3
	regControl1HVDR      = 1 << 2
	regControl1ChSel     = 1 << 1

	ilim1A25 = 0
	ilim1A75 = 1
	ilim2A25 = 2
	ilim3A30 = 3

	regControl2     = 0x02
	regControl2SDSG = 1 << 1

	regControl3         = 0x03
	regControl3Busy     = 1 << 7
	regControl3OVPMask  = 0x70
	regControl3OVPShift = 4
	regControl3RstReg   = 1 << 3

	ovp23V7 = 7

	regControl4       = 0x04
	regControl4CC1BPS = 1 << 7
	regControl4CC2BPS = 1 << 6
	regControl4VConn1 = 1 << 5
	regControl4VConn2 = 1 << 4
	regControl4CCFRS  = 1 << 2
)
