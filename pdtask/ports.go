package pdtask

import (
	"context"
	"fmt"
	"sync"

	"github.com/oxplot/go-usbc"
	"github.com/oxplot/go-usbc/tcpc"
)

// Ports holds the port tasks of a board, one slot per port.
type Ports struct {
	tasks [usbc.MaxPorts]*Task
}

// NewPorts returns an arena holding tasks. Nil tasks and two tasks for the
// same port are rejected.
func NewPorts(tasks ...*Task) (*Ports, error) {
	ps := &Ports{}
	for i, t := range tasks {
		if t == nil {
			return nil, fmt.Errorf("pdtask: task %d: %w", i, ErrNilTask)
		}
		if ps.tasks[t.port] != nil {
			return nil, fmt.Errorf("pdtask: port %d: configured twice", t.port)
		}
		ps.tasks[t.port] = t
	}
	return ps, nil
}

// Count returns the number of configured ports.
func (ps *Ports) Count() int {
	n := 0
	for _, t := range ps.tasks {
		if t != nil {
			n++
		}
	}
	return n
}

// Task returns the task of port p.
func (ps *Ports) Task(p usbc.PortID) (*Task, error) {
	if !p.Valid() || ps.tasks[p] == nil {
		return nil, usbc.ErrInvalidPort
	}
	return ps.tasks[p], nil
}

// TCPC returns the port controller of port p.
func (ps *Ports) TCPC(p usbc.PortID) (tcpc.Driver, error) {
	t, err := ps.Task(p)
	if err != nil {
		return nil, err
	}
	if t.cfg.TCPC == nil {
		return nil, usbc.ErrNotSupported
	}
	return t.cfg.TCPC, nil
}

// Pause pauses the task of port p.
func (ps *Ports) Pause(p usbc.PortID) error {
	t, err := ps.Task(p)
	if err != nil {
		return err
	}
	t.Pause()
	return nil
}

// Resume resumes the task of port p.
func (ps *Ports) Resume(p usbc.PortID) error {
	t, err := ps.Task(p)
	if err != nil {
		return err
	}
	t.Resume()
	return nil
}

// RestartTransceiver reinitializes the port controller of port p.
func (ps *Ports) RestartTransceiver(p usbc.PortID) error {
	t, err := ps.Task(p)
	if err != nil {
		return err
	}
	return t.RestartTransceiver()
}

// Enabled returns true if the task of port p is running.
func (ps *Ports) Enabled(p usbc.PortID) bool {
	t, err := ps.Task(p)
	return err == nil && t.Enabled()
}

// Notify routes evt to the task of port p. It implements tcpc.Notifier
// interface.
func (ps *Ports) Notify(p usbc.PortID, evt usbc.Event) {
	if t, err := ps.Task(p); err == nil {
		t.SetEvent(evt)
	}
}

// Run runs every port task and interrupt task until ctx is done.
func (ps *Ports) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, 2*usbc.MaxPorts)
	run := func(f func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f(ctx); err != nil {
				errs <- err
			}
		}()
	}
	for _, t := range ps.tasks {
		if t == nil {
			continue
		}
		if it := t.cfg.Interrupt; it != nil {
			run(it.Run)
		}
		run(t.Run)
	}
	wg.Wait()
	close(errs)
	return <-errs
}
