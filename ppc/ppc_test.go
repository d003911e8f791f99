package ppc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/oxplot/go-usbc"
)

type basicDriver struct{}

func (basicDriver) Init(usbc.PortID) error { return nil }
func (basicDriver) IsSourcingVBUS(usbc.PortID) bool { return false }
func (basicDriver) VBUSSinkEnable(usbc.PortID, bool) error { return nil }
func (basicDriver) VBUSSourceEnable(usbc.PortID, bool) error { return nil }
func (basicDriver) SetSourceCurrentLimit(usbc.PortID, usbc.RpValue) error { return nil }
func (basicDriver) DischargeVBUS(usbc.PortID, bool) error { return nil }

type detectingDriver struct {
	basicDriver
	caps Capability
}

func (d detectingDriver) IsVBUSPresent(usbc.PortID) bool { return true }

func (d detectingDriver) Capabilities(usbc.PortID) Capability { return d.caps }

func TestAs(t *testing.T) {
	if _, ok := As[VBUSDetector](basicDriver{}, 0, CapVBUSDetect); ok {
		t.Error("driver without IsVBUSPresent reported as VBUSDetector")
	}
	if _, ok := As[VBUSDetector](detectingDriver{}, 0, CapVBUSDetect); ok {
		t.Error("VBUS detection used on a port without the capability")
	}
	d := detectingDriver{caps: CapVBUSDetect | CapPolarity}
	if det, ok := As[VBUSDetector](d, 0, CapVBUSDetect); !ok || !det.IsVBUSPresent(0) {
		t.Error("VBUS detection not available on a capable port")
	}
}

func TestCapabilityNames(t *testing.T) {
	c := CapVBUSDetect | CapVCONN
	if got := c.String(); got != "vbus-detect,vconn" {
		t.Errorf("expected vbus-detect,vconn, got %q", got)
	}
	for _, name := range []string{"vbus-detect", "polarity", "vconn", "register-dump"} {
		c, err := ParseCapability(name)
		if err != nil {
			t.Fatal(err)
		}
		if c.String() != name {
			t.Errorf("expected %s, got %s", name, c)
		}
	}
	if _, err := ParseCapability("frc-swap"); err == nil {
		t.Error("unknown capability accepted")
	}
}

func TestPollUntil(t *testing.T) {
	clk := clockwork.NewFakeClock()
	calls := 0
	err := PollUntil(clk, time.Millisecond, time.Second, func() (bool, error) {
		calls++
		return calls == 3, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestPollUntilCondError(t *testing.T) {
	errBus := errors.New("nack")
	err := PollUntil(clockwork.NewFakeClock(), time.Millisecond, time.Second, func() (bool, error) {
		return false, errBus
	})
	if !errors.Is(err, errBus) {
		t.Errorf("expected %v, got %v", errBus, err)
	}
}

func TestPollUntilTimeout(t *testing.T) {
	clk := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for clk.BlockUntilContext(ctx, 1) == nil {
			clk.Advance(time.Millisecond)
		}
	}()
	calls := 0
	err := PollUntil(clk, time.Millisecond, 5*time.Millisecond, func() (bool, error) {
		calls++
		return false, nil
	})
	if !errors.Is(err, usbc.ErrTimeout) {
		t.Errorf("expected %v, got %v", usbc.ErrTimeout, err)
	}
	if calls != 6 {
		t.Errorf("expected 6 calls, got %d", calls)
	}
}

func TestBitHelpers(t *testing.T) {
	if got := SetBits(uint8(0x01), 0x80); got != 0x81 {
		t.Errorf("SetBits: expected 0x81, got 0x%02x", got)
	}
	if got := ClearBits(uint8(0x81), 0x01); got != 0x80 {
		t.Errorf("ClearBits: expected 0x80, got 0x%02x", got)
	}
	if got := SetField(uint8(0xff), 0x1c, 2, 0x2); got != 0xeb {
		t.Errorf("SetField: expected 0xeb, got 0x%02x", got)
	}
}
