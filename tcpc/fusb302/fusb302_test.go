package fusb302

import (
	"errors"
	"sync"
	"testing"

	"periph.io/x/conn/v3/i2c/i2ctest"

	"github.com/oxplot/go-usbc"
	"github.com/oxplot/go-usbc/tcpc"
)

const (
	regInterruptA = 0x3E
	regInterrupt  = 0x42
)

// regModel is a FUSB302 register file. Interrupt registers clear on read.
type regModel struct {
	mu     sync.Mutex
	regs   [0x44]byte
	writes [][2]byte
	fail   error
}

func (m *regModel) Tx(addr uint16, w, r []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	reg := int(w[0])
	if len(r) == 0 {
		for i, v := range w[1:] {
			m.regs[reg+i] = v
			m.writes = append(m.writes, [2]byte{byte(reg + i), v})
		}
		return nil
	}
	copy(r, m.regs[reg:])
	for i := range r {
		if a := reg + i; a == regInterruptA || a == regInterrupt {
			m.regs[a] = 0
		}
	}
	return nil
}

func (m *regModel) set(reg int, v byte) {
	m.mu.Lock()
	m.regs[reg] = v
	m.mu.Unlock()
}

func (m *regModel) lastWrite(reg byte) (byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.writes) - 1; i >= 0; i-- {
		if m.writes[i][0] == reg {
			return m.writes[i][1], true
		}
	}
	return 0, false
}

type notifications struct {
	mu     sync.Mutex
	events []usbc.Event
}

func (n *notifications) Notify(p usbc.PortID, evt usbc.Event) {
	n.mu.Lock()
	n.events = append(n.events, evt)
	n.mu.Unlock()
}

func (n *notifications) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func newTestDriver(t *testing.T, polled bool) (*Driver, *regModel, *notifications) {
	t.Helper()
	m := &regModel{}
	n := &notifications{}
	d, err := New([]Chip{{Port: 0, Bus: m, MPN: FUSB302BMPX, Polled: polled}}, n, nil)
	if err != nil {
		t.Fatal(err)
	}
	return d, m, n
}

// attach latches a sink attach on CC2 with a 3.0A source.
func attach(m *regModel) {
	m.set(regStatus0A+1, regStatus1ATogSSSnk2<<regStatus1ATogSSPos)
	m.set(regInterruptA, regInterruptATogDone)
	m.set(regStatus0, regStatus0VBusOK|3)
	m.set(regInterrupt, regInterruptVBusOK)
}

func TestNew(t *testing.T) {
	m := &regModel{}
	if _, err := New([]Chip{{Port: usbc.MaxPorts, Bus: m}}, nil, nil); !errors.Is(err, usbc.ErrInvalidPort) {
		t.Errorf("expected %v, got %v", usbc.ErrInvalidPort, err)
	}
	if _, err := New([]Chip{{Port: 0, Bus: m}, {Port: 0, Bus: m}}, nil, nil); err == nil {
		t.Error("port configured twice accepted")
	}
	if _, err := New([]Chip{{Port: 0}}, nil, nil); err == nil {
		t.Error("chip without bus accepted")
	}
}

func TestInit(t *testing.T) {
	addr := uint16(FUSB302BMPX.I2CAddress())
	bus := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: addr, W: []byte{regReset, regResetSWReset}},
			{Addr: addr, W: []byte{regControl1, regControl1RxFlush}},
			{Addr: addr, W: []byte{regPower, regPowerPwrAll}},
			{Addr: addr, W: []byte{regControl2, regControl2ToggleSnk}},
			{Addr: addr, W: []byte{regControl3, 0b111}},
		},
		DontPanic: true,
	}
	d, err := New([]Chip{{Port: 0, Bus: bus, MPN: FUSB302BMPX}}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Init(0); err != nil {
		t.Fatal(err)
	}
	if err := bus.Close(); err != nil {
		t.Error(err)
	}
	if err := d.Init(1); !errors.Is(err, usbc.ErrInvalidPort) {
		t.Errorf("expected %v, got %v", usbc.ErrInvalidPort, err)
	}
}

func TestAlertAttachDetach(t *testing.T) {
	d, m, n := newTestDriver(t, false)
	attach(m)
	if err := d.Alert(0); err != nil {
		t.Fatal(err)
	}
	want := tcpc.CCStatus{Attached: true, Polarity: usbc.PolarityCC2, Rp: usbc.Rp3A0}
	if got := d.Status(0); got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
	if v, _ := m.lastWrite(regSwitches1); v&regSwitches1TxCC2En == 0 {
		t.Errorf("tx not enabled on CC2, switches1 = 0x%02x", v)
	}
	if n.count() != 1 {
		t.Errorf("expected 1 notification, got %d", n.count())
	}

	// Nothing pending: no change, no notification

	if err := d.Alert(0); err != nil {
		t.Fatal(err)
	}
	if n.count() != 1 {
		t.Errorf("expected 1 notification, got %d", n.count())
	}

	m.set(regStatus0, 0)
	m.set(regInterrupt, regInterruptVBusOK)
	if err := d.Alert(0); err != nil {
		t.Fatal(err)
	}
	if got := d.Status(0); got.Attached {
		t.Errorf("still attached: %+v", got)
	}
	if v, _ := m.lastWrite(regControl2); v != regControl2ToggleSnk {
		t.Errorf("toggling not restarted, control2 = 0x%02x", v)
	}
	if n.count() != 2 {
		t.Errorf("expected 2 notifications, got %d", n.count())
	}
}

func TestAlertInvalidCCState(t *testing.T) {
	d, m, _ := newTestDriver(t, false)
	m.set(regInterruptA, regInterruptATogDone)
	if err := d.Alert(0); !errors.Is(err, ErrInvalidCCState) {
		t.Errorf("expected %v, got %v", ErrInvalidCCState, err)
	}
}

func TestAlertFlushesMessages(t *testing.T) {
	d, m, _ := newTestDriver(t, false)
	m.set(regInterrupt, regInterruptCRCChk)
	if err := d.Alert(0); err != nil {
		t.Fatal(err)
	}
	if v, ok := m.lastWrite(regControl1); !ok || v != regControl1RxFlush {
		t.Error("rx FIFO not flushed")
	}
}

func TestInitReportsDetach(t *testing.T) {
	d, m, n := newTestDriver(t, false)
	attach(m)
	if err := d.Alert(0); err != nil {
		t.Fatal(err)
	}
	if err := d.Init(0); err != nil {
		t.Fatal(err)
	}
	if d.Status(0).Attached {
		t.Error("status not reset by init")
	}
	if n.count() != 2 {
		t.Errorf("expected 2 notifications, got %d", n.count())
	}
}

func TestRunPollsOnlyPolledChips(t *testing.T) {
	d, m, _ := newTestDriver(t, false)
	attach(m)
	d.Run(0, usbc.EventTimer)
	if d.Status(0).Attached {
		t.Error("chip with an alert line polled")
	}

	d, m, _ = newTestDriver(t, true)
	attach(m)
	d.Run(0, usbc.EventTimer)
	if !d.Status(0).Attached {
		t.Error("polled chip not read")
	}
}

func TestChipInfo(t *testing.T) {
	d, m, _ := newTestDriver(t, false)
	m.set(regDeviceID, 0x91)
	info, err := d.ChipInfo(0, false)
	if err != nil {
		t.Fatal(err)
	}
	want := tcpc.ChipInfo{VendorID: VendorID, ProductID: ProductID, DeviceID: 0x91, FWVersion: ^uint64(0)}
	if info != want {
		t.Errorf("expected %+v, got %+v", want, info)
	}

	errBus := errors.New("nack")
	m.mu.Lock()
	m.fail = errBus
	m.mu.Unlock()
	if info, err := d.ChipInfo(0, false); err != nil || info != want {
		t.Errorf("cached read: %+v, %v", info, err)
	}
	info, err = d.ChipInfo(0, true)
	if !errors.Is(err, errBus) {
		t.Errorf("expected %v, got %v", errBus, err)
	}
	if info != want {
		t.Errorf("last known info not returned: %+v", info)
	}
}

func TestChipInfoNeverRead(t *testing.T) {
	d, m, _ := newTestDriver(t, false)
	m.fail = errors.New("nack")
	if info, err := d.ChipInfo(0, false); err == nil || info != (tcpc.ChipInfo{}) {
		t.Errorf("expected an error and no info, got %+v, %v", info, err)
	}
}
