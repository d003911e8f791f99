// Package board describes how the USB-C ports of a board are wired: which I2C
// bus and addresses reach the port controller and the power path controller
// of each port, and which GPIO carries the alert line.
//
// A Board is either written as a Go literal or read from a flattened device
// tree. Each connector is a node with compatible = "usb-c-connector":
//
//	usbc0: connector@0 {
//		compatible = "usb-c-connector";
//		reg = <0>;
//		i2c-bus = "I2C1";
//		clock-frequency = <400000>;
//		tcpc = "fusb302";
//		tcpc-addr = <0x22>;
//		ppc = "syv682x";
//		ppc-addr = <0x40>;
//		ppc-features = "vbus-detect", "polarity";
//		alert-gpio = "GPIO17";
//	};
package board

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/u-root/u-root/pkg/dt"
	"periph.io/x/conn/v3/physic"

	"github.com/oxplot/go-usbc"
	"github.com/oxplot/go-usbc/ppc"
)

// Compatible is the compatible string of connector nodes.
const Compatible = "usb-c-connector"

// Supported chips.
const (
	TCPCFUSB302 = "fusb302"
	PPCSYV682x  = "syv682x"
)

// Port is the wiring of one USB-C connector.
type Port struct {
	ID usbc.PortID

	// Bus is the periph I2C bus name. Empty selects the first bus.
	Bus string

	// BusSpeed, if set, is applied to the bus when it is opened.
	BusSpeed physic.Frequency

	TCPC     string
	TCPCAddr uint16

	// PPC is empty if the port has no power path controller.
	PPC     string
	PPCAddr uint16
	PPCCaps ppc.Capability

	// Alert is the GPIO name of the active low alert line. Empty means the
	// port controller is polled on every tick.
	Alert string
}

// Board is the USB-C wiring of a board.
type Board struct {
	Model string
	Ports []Port
}

// Default is a single port board with a FUSB302 and a SYV682x on the first
// I2C bus and no alert line.
var Default = Board{
	Model: "default",
	Ports: []Port{{
		ID:       0,
		TCPC:     TCPCFUSB302,
		TCPCAddr: 0x22,
		PPC:      PPCSYV682x,
		PPCAddr:  0x40,
		PPCCaps:  ppc.CapVBUSDetect | ppc.CapPolarity | ppc.CapRegisterDump,
	}},
}

// Validate checks that ports are numbered from 0 without gaps and only use
// supported chips.
func (b *Board) Validate() error {
	if len(b.Ports) == 0 {
		return fmt.Errorf("board %s: no ports", b.Model)
	}
	if len(b.Ports) > usbc.MaxPorts {
		return fmt.Errorf("board %s: %d ports, at most %d supported", b.Model, len(b.Ports), usbc.MaxPorts)
	}
	for i, p := range b.Ports {
		if int(p.ID) != i {
			return fmt.Errorf("board %s: port %d found at position %d", b.Model, p.ID, i)
		}
		if p.TCPC != TCPCFUSB302 {
			return fmt.Errorf("board %s: port %d: unsupported tcpc %q", b.Model, p.ID, p.TCPC)
		}
		switch p.PPC {
		case "":
		case PPCSYV682x:
			if p.PPCAddr < 0x40 || p.PPCAddr > 0x43 {
				return fmt.Errorf("board %s: port %d: syv682x address 0x%02x", b.Model, p.ID, p.PPCAddr)
			}
		default:
			return fmt.Errorf("board %s: port %d: unsupported ppc %q", b.Model, p.ID, p.PPC)
		}
	}
	return nil
}

// Load reads a board from a flattened device tree blob.
func Load(r io.ReadSeeker) (*Board, error) {
	fdt, err := dt.ReadFDT(r)
	if err != nil {
		return nil, fmt.Errorf("board: %w", err)
	}
	return FromNode(fdt.RootNode)
}

// FromNode reads a board from the device tree rooted at root. Ports are
// sorted by their reg property and the result is validated.
func FromNode(root *dt.Node) (*Board, error) {
	b := &Board{Model: "unknown"}
	if p, ok := root.LookProperty("model"); ok {
		if s, err := propString(p); err == nil {
			b.Model = s
		}
	}
	err := root.Walk(func(n *dt.Node) error {
		p, ok := n.LookProperty("compatible")
		if !ok {
			return nil
		}
		if s, err := propString(p); err != nil || s != Compatible {
			return nil
		}
		port, err := portFromNode(n)
		if err != nil {
			return fmt.Errorf("board: %s: %w", n.Name, err)
		}
		b.Ports = append(b.Ports, port)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(b.Ports, func(i, j int) bool { return b.Ports[i].ID < b.Ports[j].ID })
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func portFromNode(n *dt.Node) (Port, error) {
	var (
		port Port
		err  error
	)
	reg, err := u32(n, "reg", true)
	if err != nil {
		return port, err
	}
	if reg >= usbc.MaxPorts {
		return port, fmt.Errorf("reg %d: %w", reg, usbc.ErrInvalidPort)
	}
	port.ID = usbc.PortID(reg)
	if port.Bus, err = str(n, "i2c-bus"); err != nil {
		return port, err
	}
	freq, err := u32(n, "clock-frequency", false)
	if err != nil {
		return port, err
	}
	port.BusSpeed = physic.Frequency(freq) * physic.Hertz

	if port.TCPC, err = str(n, "tcpc"); err != nil {
		return port, err
	}
	if port.TCPC == "" {
		port.TCPC = TCPCFUSB302
	}
	addr, err := u32(n, "tcpc-addr", true)
	if err != nil {
		return port, err
	}
	port.TCPCAddr = uint16(addr)

	if port.PPC, err = str(n, "ppc"); err != nil {
		return port, err
	}
	if port.PPC != "" {
		addr, err := u32(n, "ppc-addr", true)
		if err != nil {
			return port, err
		}
		port.PPCAddr = uint16(addr)
		if p, ok := n.LookProperty("ppc-features"); ok {
			for _, name := range stringList(p.Value) {
				c, err := ppc.ParseCapability(name)
				if err != nil {
					return port, err
				}
				port.PPCCaps |= c
			}
		}
	}
	if port.Alert, err = str(n, "alert-gpio"); err != nil {
		return port, err
	}
	return port, nil
}

func u32(n *dt.Node, name string, required bool) (uint32, error) {
	p, ok := n.LookProperty(name)
	if !ok {
		if required {
			return 0, fmt.Errorf("missing %s", name)
		}
		return 0, nil
	}
	v, err := p.AsU32()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

// str returns the string property name of n or "" if there is none.
func str(n *dt.Node, name string) (string, error) {
	p, ok := n.LookProperty(name)
	if !ok {
		return "", nil
	}
	s, err := propString(p)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return s, nil
}

func propString(p *dt.Property) (string, error) {
	v, err := p.AsType(dt.StringType)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s is %T, not a string", p.Name, v)
	}
	return s, nil
}

// stringList splits a device tree string list property.
func stringList(v []byte) []string {
	var l []string
	for _, s := range bytes.Split(bytes.TrimRight(v, "\x00"), []byte{0}) {
		if t := strings.TrimSpace(string(s)); t != "" {
			l = append(l, t)
		}
	}
	return l
}
