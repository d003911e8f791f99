package tcsm

import (
	"errors"
	"testing"

	"github.com/jonboulle/clockwork"

	"github.com/oxplot/go-usbc"
	"github.com/oxplot/go-usbc/ppc"
	"github.com/oxplot/go-usbc/tcpc"
)

type fakeTCPC struct {
	status tcpc.CCStatus
	inits  int
}

func (f *fakeTCPC) Init(usbc.PortID) error {
	f.inits++
	return nil
}

func (f *fakeTCPC) Alert(usbc.PortID) error { return nil }
func (f *fakeTCPC) Run(usbc.PortID, usbc.Event) {}
func (f *fakeTCPC) Status(usbc.PortID) tcpc.CCStatus { return f.status }
func (f *fakeTCPC) ChipInfo(usbc.PortID, bool) (tcpc.ChipInfo, error) {
	return tcpc.ChipInfo{}, nil
}

type fakePPC struct {
	sinking  bool
	polarity usbc.Polarity
	vbus     bool
	caps     ppc.Capability

	// sinkErrs is returned by the next calls to VBUSSinkEnable(true).
	sinkErrs []error
}

func (f *fakePPC) Init(usbc.PortID) error { return nil }
func (f *fakePPC) IsSourcingVBUS(usbc.PortID) bool { return false }

func (f *fakePPC) VBUSSinkEnable(p usbc.PortID, enable bool) error {
	if enable && len(f.sinkErrs) > 0 {
		err := f.sinkErrs[0]
		f.sinkErrs = f.sinkErrs[1:]
		return err
	}
	f.sinking = enable
	return nil
}

func (f *fakePPC) VBUSSourceEnable(usbc.PortID, bool) error { return nil }
func (f *fakePPC) SetSourceCurrentLimit(usbc.PortID, usbc.RpValue) error { return nil }
func (f *fakePPC) DischargeVBUS(usbc.PortID, bool) error { return nil }

func (f *fakePPC) SetPolarity(p usbc.PortID, pol usbc.Polarity) error {
	f.polarity = pol
	return nil
}

func (f *fakePPC) IsVBUSPresent(usbc.PortID) bool { return f.vbus }
func (f *fakePPC) Capabilities(usbc.PortID) ppc.Capability { return f.caps }

type fixture struct {
	t   *testing.T
	tc  *fakeTCPC
	pc  *fakePPC
	clk *clockwork.FakeClock
	m   *Machine
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		t:   t,
		tc:  &fakeTCPC{},
		pc:  &fakePPC{caps: ppc.CapPolarity | ppc.CapVBUSDetect, vbus: true},
		clk: clockwork.NewFakeClock(),
	}
	f.m = New(f.tc, f.pc, WithClock(f.clk))
	f.m.Init(0)
	f.tick()
	return f
}

// tick runs one port task iteration.
func (f *fixture) tick() {
	f.m.EventCheck(0, usbc.EventTimer)
	f.m.Run(0)
}

func (f *fixture) expectState(want string) {
	f.t.Helper()
	if got := f.m.State(0); got != want {
		f.t.Fatalf("state = %s, want %s", got, want)
	}
}

func (f *fixture) attach() {
	f.t.Helper()
	f.tc.status = tcpc.CCStatus{Attached: true, Polarity: usbc.PolarityCC2, Rp: usbc.Rp3A0}
	f.tick()
	f.expectState("AttachWait.SNK")
	f.clk.Advance(timerCCDebounce)
	f.tick()
	f.expectState("Attached.SNK")
}

func TestAttach(t *testing.T) {
	f := newFixture(t)
	f.expectState("Unattached.SNK")
	if f.m.PDEnabled(0) {
		t.Error("PD enabled while unattached")
	}

	f.attach()
	if !f.pc.sinking {
		t.Error("sink path off while attached")
	}
	if f.pc.polarity != usbc.PolarityCC2 {
		t.Errorf("polarity = %v, want %v", f.pc.polarity, usbc.PolarityCC2)
	}
	if !f.m.PDEnabled(0) {
		t.Error("PD disabled while attached")
	}
}

func TestDebounce(t *testing.T) {
	f := newFixture(t)
	f.tc.status.Attached = true
	f.tick()
	f.expectState("AttachWait.SNK")

	f.clk.Advance(timerCCDebounce / 2)
	f.tick()
	f.expectState("AttachWait.SNK")

	f.tc.status.Attached = false
	f.tick()
	f.expectState("Unattached.SNK")
	if f.pc.sinking {
		t.Error("sink path switched on for a bouncing attach")
	}
}

func TestDetach(t *testing.T) {
	f := newFixture(t)
	f.attach()

	f.tc.status = tcpc.CCStatus{}
	f.tick()
	f.expectState("Unattached.SNK")
	if f.pc.sinking {
		t.Error("sink path on after detach")
	}
	if f.m.PDEnabled(0) {
		t.Error("PD enabled after detach")
	}
}

func TestDetachOnVBUSLoss(t *testing.T) {
	f := newFixture(t)
	f.attach()

	f.pc.vbus = false
	f.tick()
	f.expectState("Unattached.SNK")
}

func TestVBUSIgnoredWithoutCapability(t *testing.T) {
	f := newFixture(t)
	f.pc.caps = ppc.CapPolarity
	f.attach()

	f.pc.vbus = false
	f.tick()
	f.expectState("Attached.SNK")
}

func TestTransientFailureRetried(t *testing.T) {
	f := newFixture(t)
	f.pc.sinkErrs = []error{usbc.ErrTimeout}
	f.tc.status.Attached = true
	f.tick()
	f.clk.Advance(timerCCDebounce)
	f.tick()
	f.expectState("Attached.SNK")
	if f.pc.sinking || f.m.PDEnabled(0) {
		t.Fatal("attached despite failed sink enable")
	}

	f.tick()
	f.expectState("Attached.SNK")
	if !f.pc.sinking || !f.m.PDEnabled(0) {
		t.Error("sink enable not retried")
	}
}

func TestErrorRecovery(t *testing.T) {
	f := newFixture(t)
	f.pc.sinkErrs = []error{usbc.ErrTimeout, usbc.ErrTimeout, errors.New("nack")}
	f.tc.status.Attached = true
	f.tick()
	f.clk.Advance(timerCCDebounce)
	f.tick()
	f.tick()
	f.expectState("Attached.SNK")
	f.tick()
	f.expectState("ErrorRecovery")
	if f.tc.inits != 1 {
		t.Errorf("port controller restarted %d times, want 1", f.tc.inits)
	}

	f.tc.status.Attached = false
	f.tick()
	f.expectState("ErrorRecovery")
	f.clk.Advance(timerErrorRecovery)
	f.tick()
	f.expectState("Unattached.SNK")
}

func TestNoDrivers(t *testing.T) {
	m := New(nil, nil)
	m.Init(1)
	m.EventCheck(1, usbc.EventWake)
	m.Run(1)
	m.Run(1)
	if got := m.State(1); got != "Unattached.SNK" {
		t.Errorf("state = %s, want Unattached.SNK", got)
	}
	if m.State(usbc.MaxPorts) != "" || m.PDEnabled(usbc.MaxPorts) {
		t.Error("invalid port reported a state")
	}
}
