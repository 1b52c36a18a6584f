// Package stats keeps the named counters drivers register while they are
// active and exposes them to Prometheus.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Type is the kind of a counter.
type Type string

const (
	Processed Type = "processed"
	Stored    Type = "stored"
	Dropped   Type = "dropped"
)

// Well-known components. Sinks use their own component names as well.
const (
	ComponentSource      = "source"
	ComponentDestination = "destination"
	ComponentCenter      = "center"
)

// Key identifies a counter.
type Key struct {
	Component string
	ID        string
	Instance  string
	Type      Type
}

// Counter is a monotonically adjusted value. A nil *Counter ignores updates,
// so code can update counters that were never registered.
type Counter struct {
	v atomic.Int64
}

func (c *Counter) Inc() {
	if c != nil {
		c.v.Add(1)
	}
}

func (c *Counter) Add(delta int64) {
	if c != nil {
		c.v.Add(delta)
	}
}

func (c *Counter) Value() int64 {
	if c == nil {
		return 0
	}
	return c.v.Load()
}

// Registrar is the statistics sink drivers depend on.
type Registrar interface {
	// Register returns the counter for key, creating it when needed.
	// Registrations are reference counted.
	Register(key Key) *Counter
	// Unregister drops one registration of key.
	Unregister(key Key)
}

// Sample is a point-in-time counter value.
type Sample struct {
	Key   Key
	Value int64
}

type entry struct {
	counter Counter
	refs    int
}

// Registry is the in-memory Registrar. It implements prometheus.Collector so
// the same counters can be scraped.
type Registry struct {
	mu       sync.Mutex
	counters map[Key]*entry

	descMu sync.Mutex
	descs  map[Type]*prometheus.Desc
}

var _ Registrar = (*Registry)(nil)
var _ prometheus.Collector = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[Key]*entry),
		descs:    make(map[Type]*prometheus.Desc),
	}
}

func (r *Registry) Register(key Key) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.counters[key]
	if !ok {
		e = &entry{}
		r.counters[key] = e
	}
	e.refs++
	return &e.counter
}

// Unregister drops a registration. The counter is forgotten once nobody holds
// it; a later Register starts from zero again.
func (r *Registry) Unregister(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.counters[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(r.counters, key)
	}
}

// Lookup returns the value of a registered counter.
func (r *Registry) Lookup(key Key) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.counters[key]
	if !ok {
		return 0, false
	}
	return e.counter.Value(), true
}

// Snapshot returns every registered counter, sorted by key.
func (r *Registry) Snapshot() []Sample {
	r.mu.Lock()
	samples := make([]Sample, 0, len(r.counters))
	for k, e := range r.counters {
		samples = append(samples, Sample{Key: k, Value: e.counter.Value()})
	}
	r.mu.Unlock()

	sort.Slice(samples, func(i, j int) bool {
		a, b := samples[i].Key, samples[j].Key
		if a.Component != b.Component {
			return a.Component < b.Component
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		if a.Instance != b.Instance {
			return a.Instance < b.Instance
		}
		return a.Type < b.Type
	})
	return samples
}

// Describe sends nothing: the set of counters changes with configuration, so
// the collector is unchecked.
func (r *Registry) Describe(chan<- *prometheus.Desc) {}

func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	for _, s := range r.Snapshot() {
		ch <- prometheus.MustNewConstMetric(
			r.desc(s.Key.Type),
			prometheus.CounterValue,
			float64(s.Value),
			s.Key.Component, s.Key.ID, s.Key.Instance,
		)
	}
}

func (r *Registry) desc(t Type) *prometheus.Desc {
	r.descMu.Lock()
	defer r.descMu.Unlock()

	d, ok := r.descs[t]
	if !ok {
		d = prometheus.NewDesc(
			"sluice_"+string(t)+"_total",
			"The total number of "+string(t)+" messages",
			[]string{"component", "id", "instance"},
			nil,
		)
		r.descs[t] = d
	}
	return d
}
