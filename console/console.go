// Package console implements a line based debug console for the USB-C ports,
// in the manner of an EC serial console.
package console

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"github.com/oxplot/go-usbc"
	"github.com/oxplot/go-usbc/hostcmd"
	"github.com/oxplot/go-usbc/pdtask"
	"github.com/oxplot/go-usbc/ppc"
	"github.com/oxplot/go-usbc/rwhash"
)

// Prompt is printed before each line read by Serve.
const Prompt = "> "

// ErrUsage is returned when a command is called with wrong arguments.
var ErrUsage = errors.New("wrong number or type of arguments")

type command struct {
	name  string
	usage string
	help  string
	run   func(c *Console, ctx context.Context, args []string) error
}

// Console runs debug commands against the port tasks and the host command
// goroutine. Output goes to the writer given to Exec or Serve.
type Console struct {
	ports  *pdtask.Ports
	host   *hostcmd.Host
	cache  *rwhash.Cache
	logger *slog.Logger
	cmds   map[string]*command
	out    io.Writer
}

// New creates a console. cache is only read through host.
func New(ports *pdtask.Ports, host *hostcmd.Host, cache *rwhash.Cache, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Console{
		ports:  ports,
		host:   host,
		cache:  cache,
		logger: logger,
		cmds:   make(map[string]*command),
	}
	for _, cmd := range []*command{
		{"help", "", "List the commands", (*Console).help},
		{"ppc_dump", "<port>", "Print the power path controller registers", (*Console).ppcDump},
		{"pd", "<port> pause|resume|restart|state", "Control a port task", (*Console).pd},
		{"pdports", "", "Print the number of USB-C ports", (*Console).pdPorts},
		{"rwhash", "", "Print the partner firmware hash table", (*Console).rwHash},
		{"hostcmd", "<cmd> <version> [hex params]", "Run a host command", (*Console).hostCmd},
	} {
		c.cmds[cmd.name] = cmd
	}
	return c
}

// Exec runs one command line and writes its output to w.
func (c *Console) Exec(ctx context.Context, w io.Writer, line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	cmd, ok := c.cmds[args[0]]
	if !ok {
		return fmt.Errorf("command %q not found", args[0])
	}
	c.out = w
	err = cmd.run(c, ctx, args[1:])
	if errors.Is(err, ErrUsage) {
		return fmt.Errorf("%w\nusage: %s %s", err, cmd.name, cmd.usage)
	}
	return err
}

// Serve reads command lines from r until it is exhausted or ctx is done.
// Command errors are printed to w and do not end Serve.
func (c *Console) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s := bufio.NewScanner(r)
	fmt.Fprint(w, Prompt)
	for s.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		if err := c.Exec(ctx, w, s.Text()); err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
			c.logger.Debug("console command failed", slog.String("line", s.Text()), slog.Any("err", err))
		}
		fmt.Fprint(w, Prompt)
	}
	return s.Err()
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *Console) help(ctx context.Context, args []string) error {
	names := make([]string, 0, len(c.cmds))
	for n := range c.cmds {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		cmd := c.cmds[n]
		c.printf("%-10s %-36s %s\n", cmd.name, cmd.usage, cmd.help)
	}
	return nil
}

func parsePort(s string) (usbc.PortID, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, ErrUsage
	}
	return usbc.PortID(v), nil
}

func (c *Console) ppcDump(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return ErrUsage
	}
	p, err := parsePort(args[0])
	if err != nil {
		return err
	}
	t, err := c.ports.Task(p)
	if err != nil {
		return err
	}
	drv := t.PPC()
	if drv == nil {
		return fmt.Errorf("port %d: no power path controller: %w", p, usbc.ErrNotSupported)
	}
	d, ok := ppc.As[ppc.RegisterDumper](drv, p, ppc.CapRegisterDump)
	if !ok {
		return fmt.Errorf("port %d: register dump: %w", p, usbc.ErrNotSupported)
	}
	return d.DumpRegisters(p, c.out)
}

// stater is implemented by connection state machines that can name their
// current state.
type stater interface {
	State(p usbc.PortID) string
}

func (c *Console) pd(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return ErrUsage
	}
	p, err := parsePort(args[0])
	if err != nil {
		return err
	}
	t, err := c.ports.Task(p)
	if err != nil {
		return err
	}
	switch args[1] {
	case "pause":
		t.Pause()
	case "resume":
		t.Resume()
	case "restart":
		return t.RestartTransceiver()
	case "state":
		state := "unknown"
		if s, ok := t.TypeC().(stater); ok {
			state = s.State(p)
		}
		c.printf("Port %s: enabled=%t paused=%t pd=%t state=%s\n",
			p, t.Enabled(), t.Paused(), t.TypeC().PDEnabled(p), state)
	default:
		return ErrUsage
	}
	return nil
}

func (c *Console) pdPorts(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return ErrUsage
	}
	resp, err := c.host.Submit(ctx, hostcmd.CmdUSBPDPorts, 0, nil)
	if err != nil {
		return err
	}
	if resp.Status != hostcmd.StatusSuccess {
		return fmt.Errorf("usb_pd_ports: %v", resp.Status)
	}
	var r hostcmd.PortsResponse
	if err := hostcmd.Decode(resp.Data, &r); err != nil {
		return err
	}
	c.printf("%d\n", r.NumPorts)
	return nil
}

func (c *Console) rwHash(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return ErrUsage
	}
	var entries []rwhash.Entry
	if err := c.host.Exec(ctx, func() { entries = c.cache.Entries() }); err != nil {
		return err
	}
	for i, e := range entries {
		c.printf("%2d: %s\n", i, e)
	}
	c.printf("%d/%d entries\n", len(entries), rwhash.Capacity)
	return nil
}

func (c *Console) hostCmd(ctx context.Context, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return ErrUsage
	}
	cmd, err := strconv.ParseUint(args[0], 0, 16)
	if err != nil {
		return ErrUsage
	}
	ver, err := strconv.ParseUint(args[1], 0, 8)
	if err != nil {
		return ErrUsage
	}
	var params []byte
	if len(args) == 3 {
		if params, err = hex.DecodeString(strings.TrimPrefix(args[2], "0x")); err != nil {
			return ErrUsage
		}
	}
	resp, err := c.host.Submit(ctx, uint16(cmd), uint8(ver), params)
	if err != nil {
		return err
	}
	c.printf("status=%v data=%x\n", resp.Status, resp.Data)
	return nil
}
