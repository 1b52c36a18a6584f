package driver

import (
	"github.com/user/sluice"
	"github.com/user/sluice/pkg/stats"
)

// SrcDriver is the base of input collectors. It counts what enters the
// pipeline per source group and globally.
type SrcDriver struct {
	Driver

	stats     stats.Registrar
	processed *stats.Counter
	received  *stats.Counter
}

func NewSrcDriver(id, group string, reg stats.Registrar) *SrcDriver {
	return &SrcDriver{
		Driver: Driver{ID: id, Group: group},
		stats:  reg,
	}
}

func (d *SrcDriver) groupKey() stats.Key {
	return stats.Key{Component: stats.ComponentSource, ID: d.Group, Type: stats.Processed}
}

func (d *SrcDriver) receivedKey() stats.Key {
	return stats.Key{Component: stats.ComponentCenter, Instance: "received", Type: stats.Processed}
}

func (d *SrcDriver) Init() error {
	if err := d.Driver.Init(); err != nil {
		return err
	}
	if d.stats != nil {
		d.processed = d.stats.Register(d.groupKey())
		d.received = d.stats.Register(d.receivedKey())
	}
	return nil
}

func (d *SrcDriver) Deinit() error {
	if d.stats != nil && d.Initialized() {
		d.stats.Unregister(d.groupKey())
		d.stats.Unregister(d.receivedKey())
	}
	d.processed, d.received = nil, nil
	return d.Driver.Deinit()
}

func (d *SrcDriver) Queue(msg sluice.Message, opts sluice.DeliveryOptions) {
	d.processed.Inc()
	d.received.Inc()
	d.Driver.Queue(msg, opts)
}

func (d *SrcDriver) Processed() int64 {
	return d.processed.Value()
}
