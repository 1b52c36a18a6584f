// Package pipeline builds and runs the drivers described by a configuration:
// sources feed multiplexers, which feed destinations.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/user/sluice"
	"github.com/user/sluice/internal/config"
	"github.com/user/sluice/pkg/driver"
)

type namedPipe struct {
	id   string
	pipe driver.Pipe
}

type Pipeline struct {
	cfg     *config.Config
	factory *Factory
	logger  sluice.Logger

	sources      []namedPipe
	muxes        []*Multiplexer
	destinations []namedPipe
	running      bool
}

// New builds every driver of cfg and wires the log paths. The global options
// of cfg override the factory's. Nothing listens or connects until Start.
func New(cfg *config.Config, factory *Factory) (*Pipeline, error) {
	p := &Pipeline{cfg: cfg, factory: factory, logger: factory.Logger}
	f := *factory
	f.Options = cfg.Options

	dests := make(map[string]driver.Pipe)
	for _, dc := range cfg.Destinations {
		d, err := f.NewDestination(dc)
		if err != nil {
			return nil, err
		}
		dests[dc.ID] = d
		p.destinations = append(p.destinations, namedPipe{id: dc.ID, pipe: d})
	}

	muxes := make(map[string]*Multiplexer)
	for _, l := range cfg.Logs {
		for _, sid := range l.Sources {
			mux, ok := muxes[sid]
			if !ok {
				mux = NewMultiplexer(sid)
				muxes[sid] = mux
				p.muxes = append(p.muxes, mux)
			}
			for _, did := range l.Destinations {
				mux.AddBranch(dests[did], l.FlowControl)
			}
		}
	}

	for _, sc := range cfg.Sources {
		src, err := f.NewSource(sc)
		if err != nil {
			return nil, err
		}
		mux, ok := muxes[sc.ID]
		if !ok {
			// a source without log paths still needs an end of chain
			mux = NewMultiplexer(sc.ID)
			p.muxes = append(p.muxes, mux)
		}
		src.SetNext(mux)
		p.sources = append(p.sources, namedPipe{id: sc.ID, pipe: src})
	}
	return p, nil
}

func (p *Pipeline) Config() *config.Config {
	return p.cfg
}

// Start initializes destinations, then multiplexers, then sources. On
// failure everything started so far is stopped again.
func (p *Pipeline) Start() error {
	var started []driver.Pipe
	rollback := func(err error) error {
		for i := len(started) - 1; i >= 0; i-- {
			_ = started[i].Deinit()
		}
		return err
	}

	for _, d := range p.destinations {
		if err := d.pipe.Init(); err != nil {
			return rollback(fmt.Errorf("failed to initialize destination %s: %w", d.id, err))
		}
		started = append(started, d.pipe)
	}
	for _, m := range p.muxes {
		if err := m.Init(); err != nil {
			return rollback(fmt.Errorf("failed to initialize log path for %s: %w", m.ID, err))
		}
		started = append(started, m)
	}
	for _, s := range p.sources {
		if err := s.pipe.Init(); err != nil {
			return rollback(fmt.Errorf("failed to initialize source %s: %w", s.id, err))
		}
		started = append(started, s.pipe)
	}
	p.running = true
	if p.logger != nil {
		p.logger.Info("Pipeline started", "sources", len(p.sources), "destinations", len(p.destinations))
	}
	return nil
}

// Stop deinitializes in reverse start order and frees every driver.
func (p *Pipeline) Stop() error {
	if !p.running {
		return nil
	}
	p.running = false

	var errs []error
	for i := len(p.sources) - 1; i >= 0; i-- {
		if err := p.sources[i].pipe.Deinit(); err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", p.sources[i].id, err))
		}
	}
	for i := len(p.muxes) - 1; i >= 0; i-- {
		if err := p.muxes[i].Deinit(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(p.destinations) - 1; i >= 0; i-- {
		if err := p.destinations[i].pipe.Deinit(); err != nil {
			errs = append(errs, fmt.Errorf("destination %s: %w", p.destinations[i].id, err))
		}
	}

	for _, s := range p.sources {
		s.pipe.Free()
	}
	for _, m := range p.muxes {
		m.Free()
	}
	for _, d := range p.destinations {
		d.pipe.Free()
	}
	if p.logger != nil {
		p.logger.Info("Pipeline stopped")
	}
	return errors.Join(errs...)
}

// Destination returns the pipe built for id.
func (p *Pipeline) Destination(id string) (driver.Pipe, bool) {
	for _, d := range p.destinations {
		if d.id == id {
			return d.pipe, true
		}
	}
	return nil, false
}

// Source returns the collector built for id.
func (p *Pipeline) Source(id string) (driver.Pipe, bool) {
	for _, s := range p.sources {
		if s.id == id {
			return s.pipe, true
		}
	}
	return nil, false
}

// Reload stops old and starts a pipeline built from cfg. Queues of
// destinations with undelivered messages carry over through the factory's
// queue registry. If the new pipeline fails to start the old configuration
// is started again and the error is returned with it.
func Reload(old *Pipeline, cfg *config.Config, factory *Factory) (*Pipeline, error) {
	next, err := New(cfg, factory)
	if err != nil {
		return old, fmt.Errorf("reload rejected: %w", err)
	}
	if err := old.Stop(); err != nil && factory.Logger != nil {
		factory.Logger.Warn("Errors while stopping the previous pipeline", "error", err)
	}
	if err := next.Start(); err != nil {
		restored, rerr := New(old.cfg, old.factory)
		if rerr == nil {
			rerr = restored.Start()
		}
		if rerr != nil {
			return nil, errors.Join(fmt.Errorf("reload failed: %w", err), fmt.Errorf("restoring previous configuration: %w", rerr))
		}
		return restored, fmt.Errorf("reload failed, previous configuration restored: %w", err)
	}
	return next, nil
}
