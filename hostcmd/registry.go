// Package hostcmd answers host queries about the USB-C ports: the port
// count, port controller chip info and the partner firmware hash table.
//
// Commands are registered in a Registry with the set of versions they
// support, and run one at a time on the goroutine of a Host.
package hostcmd

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
)

// VerMask returns the version mask bit of version v.
func VerMask(v uint8) uint32 {
	return 1 << v
}

// Request is a host command as received from the host.
type Request struct {
	Command uint16
	Version uint8
	Params  []byte
}

// Response is the answer to a Request. Data may be set along with an error
// status when the handler has a last known value to report.
type Response struct {
	Status Status
	Data   []byte
}

// Handler runs a command. The returned error is mapped to a status by
// StatusFor.
type Handler func(req Request) ([]byte, error)

// Command is a registered host command.
type Command struct {
	ID       uint16
	Name     string
	Versions uint32 // set of VerMask of the supported versions
	Handler  Handler
}

// Registry holds all registered commands.
type Registry struct {
	mu       sync.RWMutex
	commands map[uint16]*Command
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger disables logging.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		commands: make(map[uint16]*Command),
		logger:   logger,
	}
}

// Register adds cmd to the registry. A command ID can only be registered
// once.
func (r *Registry) Register(cmd Command) error {
	if cmd.Handler == nil || cmd.Versions == 0 {
		return fmt.Errorf("hostcmd: command 0x%04x: no handler or version", cmd.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[cmd.ID]; exists {
		return fmt.Errorf("hostcmd: command 0x%04x: registered twice", cmd.ID)
	}
	r.commands[cmd.ID] = &cmd
	return nil
}

// Lookup returns the command with the given ID.
func (r *Registry) Lookup(id uint16) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[id]
	return cmd, ok
}

// Commands returns all registered commands ordered by ID.
func (r *Registry) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmds := make([]Command, 0, len(r.commands))
	for _, c := range r.commands {
		cmds = append(cmds, *c)
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].ID < cmds[j].ID })
	return cmds
}

// Dispatch runs the handler of req.Command. It never panics on bad input:
// unknown commands and versions are reported through the status.
func (r *Registry) Dispatch(req Request) Response {
	cmd, ok := r.Lookup(req.Command)
	if !ok {
		return r.respond(req, "", nil, ErrInvalidCommand)
	}
	if req.Version >= 32 || cmd.Versions&VerMask(req.Version) == 0 {
		return r.respond(req, cmd.Name, nil, ErrInvalidVersion)
	}
	data, err := cmd.Handler(req)
	return r.respond(req, cmd.Name, data, err)
}

func (r *Registry) respond(req Request, name string, data []byte, err error) Response {
	resp := Response{Status: StatusFor(err), Data: data}
	if err != nil {
		r.logger.Warn("host command",
			slog.String("cmd", fmt.Sprintf("0x%04x", req.Command)),
			slog.String("name", name),
			slog.Int("version", int(req.Version)),
			slog.String("status", resp.Status.String()),
			slog.Any("err", err))
	} else {
		r.logger.Debug("host command",
			slog.String("cmd", fmt.Sprintf("0x%04x", req.Command)),
			slog.String("name", name),
			slog.Int("version", int(req.Version)))
	}
	return resp
}
