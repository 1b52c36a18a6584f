// Package driver contains the lifecycle shared by every node of a pipeline:
// sources, destinations and the fan-out between them.
package driver

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/user/sluice"
)

var (
	ErrNotInitialized     = errors.New("driver is not initialized")
	ErrAlreadyInitialized = errors.New("driver is already initialized")
)

// Pipe is a node of the pipeline. Init and Deinit bracket an activation;
// Free is only valid after Deinit. Queue consumes one reference of msg and
// the obligation in opts.
type Pipe interface {
	Init() error
	Deinit() error
	Queue(msg sluice.Message, opts sluice.DeliveryOptions)
	Free()
	SetNext(next Pipe)
}

// Plugin is attached to a driver for the duration of an activation.
type Plugin interface {
	Attach(d *Driver) error
	Detach(d *Driver)
}

// Driver is the base of source and destination drivers.
type Driver struct {
	ID    string
	Group string

	plugins     []Plugin
	next        Pipe
	initialized atomic.Bool
	freed       atomic.Bool
}

var _ Pipe = (*Driver)(nil)

func NewDriver(id, group string, plugins ...Plugin) *Driver {
	return &Driver{ID: id, Group: group, plugins: plugins}
}

func (d *Driver) AddPlugin(p Plugin) {
	d.plugins = append(d.plugins, p)
}

func (d *Driver) Plugins() []Plugin {
	return d.plugins
}

// Init attaches every plugin. All plugins are tried even if one fails; on
// failure the attached ones are detached again and the joined errors are
// returned.
func (d *Driver) Init() error {
	if d.freed.Load() {
		panic(fmt.Sprintf("driver %s: Init after Free", d.ID))
	}
	if d.initialized.Load() {
		return ErrAlreadyInitialized
	}

	var errs []error
	var attached []Plugin
	for _, p := range d.plugins {
		if err := p.Attach(d); err != nil {
			errs = append(errs, fmt.Errorf("failed to attach plugin to %s: %w", d.ID, err))
			continue
		}
		attached = append(attached, p)
	}
	if err := errors.Join(errs...); err != nil {
		for _, p := range attached {
			p.Detach(d)
		}
		return err
	}
	d.initialized.Store(true)
	return nil
}

func (d *Driver) Deinit() error {
	if !d.initialized.Load() {
		return ErrNotInitialized
	}
	for _, p := range d.plugins {
		p.Detach(d)
	}
	d.initialized.Store(false)
	return nil
}

// Queue forwards msg to the next pipe. At the end of the chain the branch is
// complete, so the obligation is signaled and the reference dropped.
func (d *Driver) Queue(msg sluice.Message, opts sluice.DeliveryOptions) {
	if !d.initialized.Load() {
		panic(fmt.Sprintf("driver %s: Queue before Init", d.ID))
	}
	if d.next != nil {
		d.next.Queue(msg, opts)
		return
	}
	opts.Ack.Signal()
	msg.Unref()
}

func (d *Driver) Free() {
	if d.initialized.Load() {
		panic(fmt.Sprintf("driver %s: Free before Deinit", d.ID))
	}
	d.freed.Store(true)
	d.next = nil
	d.plugins = nil
}

func (d *Driver) SetNext(next Pipe) {
	d.next = next
}

func (d *Driver) Next() Pipe {
	return d.next
}

func (d *Driver) Initialized() bool {
	return d.initialized.Load()
}
