package driver

import (
	"sync"

	"github.com/user/sluice"
	"github.com/user/sluice/pkg/logqueue"
	"github.com/user/sluice/pkg/persist"
	"github.com/user/sluice/pkg/stats"
)

// QueueRegistry retains destination queues across reloads.
type QueueRegistry = persist.Registry[logqueue.Queue]

func NewQueueRegistry() *QueueRegistry {
	return persist.NewRegistry[logqueue.Queue]()
}

// DestDriver is the base of destinations. It owns the queues it acquired
// until they are released on Deinit.
type DestDriver struct {
	Driver

	stats    stats.Registrar
	persist  *QueueRegistry
	fifoSize int

	mu     sync.Mutex
	queues []logqueue.Queue

	processed *stats.Counter
	queued    *stats.Counter
}

// NewDestDriver creates a destination base. reg and queues may be nil; a
// fifoSize of zero or less makes new queues unbounded.
func NewDestDriver(id, group string, reg stats.Registrar, queues *QueueRegistry, fifoSize int) *DestDriver {
	return &DestDriver{
		Driver:   Driver{ID: id, Group: group},
		stats:    reg,
		persist:  queues,
		fifoSize: fifoSize,
	}
}

func (d *DestDriver) groupKey() stats.Key {
	return stats.Key{Component: stats.ComponentDestination, ID: d.Group, Type: stats.Processed}
}

func (d *DestDriver) queuedKey() stats.Key {
	return stats.Key{Component: stats.ComponentCenter, Instance: "queued", Type: stats.Processed}
}

func (d *DestDriver) Init() error {
	if err := d.Driver.Init(); err != nil {
		return err
	}
	if d.stats != nil {
		d.processed = d.stats.Register(d.groupKey())
		d.queued = d.stats.Register(d.queuedKey())
	}
	return nil
}

// Deinit releases every queue still held, then unregisters the counters.
func (d *DestDriver) Deinit() error {
	d.mu.Lock()
	queues := d.queues
	d.queues = nil
	d.mu.Unlock()

	for _, q := range queues {
		d.release(q)
	}

	if d.stats != nil && d.Initialized() {
		d.stats.Unregister(d.groupKey())
		d.stats.Unregister(d.queuedKey())
	}
	d.processed, d.queued = nil, nil
	return d.Driver.Deinit()
}

func (d *DestDriver) Queue(msg sluice.Message, opts sluice.DeliveryOptions) {
	d.processed.Inc()
	d.queued.Inc()
	d.Driver.Queue(msg, opts)
}

// AcquireQueue returns the queue retained under persistName by a previous
// activation, or a new one.
func (d *DestDriver) AcquireQueue(persistName string) logqueue.Queue {
	var q logqueue.Queue
	if persistName != "" && d.persist != nil {
		if retained, ok := d.persist.Fetch(persistName); ok {
			q = retained
		}
	}
	if q == nil {
		q = logqueue.NewFIFO(persistName, d.fifoSize)
	}

	d.mu.Lock()
	d.queues = append(d.queues, q)
	d.mu.Unlock()
	return q
}

// ReleaseQueue hands q back. Named queues holding data are retained for the
// next activation; everything else is freed.
func (d *DestDriver) ReleaseQueue(q logqueue.Queue) {
	d.mu.Lock()
	for i, held := range d.queues {
		if held == q {
			d.queues = append(d.queues[:i], d.queues[i+1:]...)
			break
		}
	}
	d.mu.Unlock()

	d.release(q)
}

func (d *DestDriver) release(q logqueue.Queue) {
	q.SetCounters(nil, nil)
	q.DisarmWake()
	if name := q.PersistName(); name != "" && d.persist != nil && q.KeepOnReload() {
		d.persist.Add(name, q, func(q logqueue.Queue) { q.Free() })
		return
	}
	q.Free()
}

func (d *DestDriver) Queues() []logqueue.Queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]logqueue.Queue(nil), d.queues...)
}

func (d *DestDriver) Stats() stats.Registrar {
	return d.stats
}

func (d *DestDriver) Processed() int64 {
	return d.processed.Value()
}
