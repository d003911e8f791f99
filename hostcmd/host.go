package hostcmd

import (
	"context"
)

// Host runs host commands one at a time on the goroutine calling Run. State
// owned by the commands, such as the rwhash table, needs no locking as long
// as it is only touched through Submit and Exec.
type Host struct {
	reg   *Registry
	calls chan func()
}

// NewHost creates a host running the commands of reg.
func NewHost(reg *Registry) *Host {
	return &Host{
		reg:   reg,
		calls: make(chan func()),
	}
}

// Registry returns the registry of h.
func (h *Host) Registry() *Registry {
	return h.reg
}

// Run executes submitted commands until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-h.calls:
			f()
		}
	}
}

// Exec runs f on the command goroutine and waits for it to return. The error
// is that of ctx if it is done before f could run.
func (h *Host) Exec(ctx context.Context, f func()) error {
	done := make(chan struct{})
	call := func() {
		defer close(done)
		f()
	}
	select {
	case h.calls <- call:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Submit runs a command on the command goroutine and returns its response.
func (h *Host) Submit(ctx context.Context, cmd uint16, version uint8, params []byte) (Response, error) {
	var resp Response
	err := h.Exec(ctx, func() {
		resp = h.reg.Dispatch(Request{Command: cmd, Version: version, Params: params})
	})
	return resp, err
}
