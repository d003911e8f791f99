// Usbcd runs the USB-C port tasks of a board: one port task and one interrupt
// task per port, the host command goroutine and an optional debug console.
//
// The board wiring is read from a flattened device tree:
//
//	dtc --out board.dtb board.dts
//	usbcd -dtb board.dtb -console /dev/ttyUSB0
//
// Without -dtb a single FUSB302 + SYV682x port on the first I2C bus is
// assumed.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/tarm/serial"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/oxplot/go-usbc"
	"github.com/oxplot/go-usbc/board"
	"github.com/oxplot/go-usbc/console"
	"github.com/oxplot/go-usbc/hostcmd"
	"github.com/oxplot/go-usbc/pdtask"
	"github.com/oxplot/go-usbc/ppc"
	"github.com/oxplot/go-usbc/ppc/syv682x"
	"github.com/oxplot/go-usbc/rwhash"
	"github.com/oxplot/go-usbc/tcpc/fusb302"
	"github.com/oxplot/go-usbc/tcsm"
)

var (
	dtbPath    = flag.String("dtb", "", "Board device tree blob")
	consoleDev = flag.String("console", "", "Console serial device, or \"stdio\"")
	baud       = flag.Int("baud", 115200, "Console baud rate")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn or error")
)

func main() {
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "usbcd: %v\n", err)
		os.Exit(2)
	}

	var (
		conIn  io.Reader
		conOut io.Writer
		logOut io.Writer = os.Stderr
	)
	switch *consoleDev {
	case "":
	case "stdio":
		conIn, conOut = os.Stdin, os.Stdout
	default:
		port, err := serial.OpenPort(&serial.Config{Name: *consoleDev, Baud: *baud})
		if err != nil {
			fmt.Fprintf(os.Stderr, "usbcd: failed to open console %s: %v\n", *consoleDev, err)
			os.Exit(1)
		}
		defer port.Close()
		conIn, conOut, logOut = port, port, port
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, conIn, conOut); err != nil {
		logger.Error("usbcd failed", slog.Any("err", err))
		stop()
		os.Exit(1)
	}
}

func loadBoard() (*board.Board, error) {
	if *dtbPath == "" {
		b := board.Default
		return &b, b.Validate()
	}
	f, err := os.Open(*dtbPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return board.Load(f)
}

func run(ctx context.Context, logger *slog.Logger, conIn io.Reader, conOut io.Writer) error {
	b, err := loadBoard()
	if err != nil {
		return err
	}
	logger.Info("board loaded", slog.String("model", b.Model), slog.Int("ports", len(b.Ports)))

	if _, err := host.Init(); err != nil {
		return err
	}

	buses := map[string]i2c.BusCloser{}
	defer func() {
		for _, bus := range buses {
			bus.Close()
		}
	}()
	openBus := func(p board.Port) (i2c.BusCloser, error) {
		if bus, ok := buses[p.Bus]; ok {
			return bus, nil
		}
		bus, err := i2creg.Open(p.Bus)
		if err != nil {
			return nil, fmt.Errorf("port %d: i2c bus %q: %w", p.ID, p.Bus, err)
		}
		if p.BusSpeed != 0 {
			if err := bus.SetSpeed(p.BusSpeed); err != nil {
				logger.Warn("i2c bus speed not set", slog.String("bus", p.Bus), slog.Any("err", err))
			}
		}
		buses[p.Bus] = bus
		return bus, nil
	}

	var (
		tcpcChips []fusb302.Chip
		ppcChips  []syv682x.Chip
	)
	for _, p := range b.Ports {
		bus, err := openBus(p)
		if err != nil {
			return err
		}
		tcpcChips = append(tcpcChips, fusb302.Chip{
			Port:   p.ID,
			Bus:    bus,
			MPN:    fusb302.MPN(p.TCPCAddr),
			Polled: p.Alert == "",
		})
		if p.PPC == board.PPCSYV682x {
			ppcChips = append(ppcChips, syv682x.Chip{
				Port: p.ID,
				Bus:  bus,
				Addr: p.PPCAddr,
				Caps: p.PPCCaps,
			})
		}
	}

	tc, err := fusb302.New(tcpcChips, nil, logger.With(slog.String("chip", "fusb302")))
	if err != nil {
		return err
	}
	var pc *syv682x.Driver
	if len(ppcChips) > 0 {
		charger := ppc.ChargerNotifierFunc(func(p usbc.PortID, present bool) {
			logger.Info("vbus change", slog.Int("port", int(p)), slog.Bool("present", present))
		})
		pc, err = syv682x.New(ppcChips,
			syv682x.WithLogger(logger.With(slog.String("chip", "syv682x"))),
			syv682x.WithChargerNotifier(charger))
		if err != nil {
			return err
		}
	}

	var tasks []*pdtask.Task
	for _, p := range b.Ports {
		plog := logger.With(slog.Int("port", int(p.ID)))
		var portPPC ppc.Driver
		if p.PPC != "" {
			portPPC = pc
		}
		opts := []pdtask.Option{
			pdtask.WithTypeC(tcsm.New(tc, portPPC, tcsm.WithLogger(plog))),
			pdtask.WithTCPC(tc),
			pdtask.WithPPC(portPPC),
			pdtask.WithLogger(logger),
		}
		if p.Alert != "" {
			pin := gpioreg.ByName(p.Alert)
			if pin == nil {
				return fmt.Errorf("port %d: no gpio %q", p.ID, p.Alert)
			}
			it := pdtask.NewInterruptTask(p.ID, pdtask.ActiveLow(pin), tc, plog)
			opts = append(opts, pdtask.WithInterruptTask(it))
			go func() {
				if err := pdtask.WatchAlertPin(ctx, pin, it); err != nil {
					plog.Error("alert pin watcher stopped", slog.Any("err", err))
				}
			}()
		}
		t, err := pdtask.New(p.ID, opts...)
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
	}
	ports, err := pdtask.NewPorts(tasks...)
	if err != nil {
		return err
	}
	tc.SetNotifier(ports)

	reg := hostcmd.NewRegistry(logger)
	cache := &rwhash.Cache{}
	if err := hostcmd.RegisterPD(reg, ports, cache); err != nil {
		return err
	}
	hc := hostcmd.NewHost(reg)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hc.Run(ctx)
	}()
	if conIn != nil {
		con := console.New(ports, hc, cache, logger)
		go func() {
			if err := con.Serve(ctx, conIn, conOut); err != nil {
				logger.Warn("console stopped", slog.Any("err", err))
			}
		}()
	}
	err = ports.Run(ctx)
	wg.Wait()
	return err
}
