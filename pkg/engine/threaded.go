// Package engine runs destinations: each ThreadedDestDriver owns a queue and
// one worker goroutine that delivers its messages in order, backing off and
// retrying after failures.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/user/sluice"
	"github.com/user/sluice/pkg/driver"
	"github.com/user/sluice/pkg/logqueue"
	"github.com/user/sluice/pkg/stats"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeReopen = 60 * time.Second
	tracerName        = "github.com/user/sluice/pkg/engine"
)

var ErrNoSink = errors.New("threaded destination has no sink")

type State int32

const (
	StateStarting State = iota
	StateActive
	StateWaiting
	StateSuspended
	StateTerminating
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateWaiting:
		return "waiting"
	case StateSuspended:
		return "suspended"
	case StateTerminating:
		return "terminating"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Option func(*ThreadedDestDriver)

func WithLogger(logger sluice.Logger) Option {
	return func(d *ThreadedDestDriver) { d.logger = logger }
}

func WithClock(clock clockwork.Clock) Option {
	return func(d *ThreadedDestDriver) { d.clock = clock }
}

func WithStats(reg stats.Registrar) Option {
	return func(d *ThreadedDestDriver) { d.reg = reg }
}

func WithPersist(queues *driver.QueueRegistry) Option {
	return func(d *ThreadedDestDriver) { d.queues = queues }
}

func WithTimeReopen(timeReopen time.Duration) Option {
	return func(d *ThreadedDestDriver) { d.timeReopen = timeReopen }
}

func WithFifoSize(size int) Option {
	return func(d *ThreadedDestDriver) { d.fifoSize = size }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *ThreadedDestDriver) { d.tracer = tp.Tracer(tracerName) }
}

func WithGroup(group string) Option {
	return func(d *ThreadedDestDriver) { d.group = group }
}

// WithThrottle limits deliveries to perSecond messages per second. Zero
// means unlimited.
func WithThrottle(perSecond float64) Option {
	return func(d *ThreadedDestDriver) { d.throttle = perSecond }
}

func WithPlugins(plugins ...driver.Plugin) Option {
	return func(d *ThreadedDestDriver) { d.plugins = append(d.plugins, plugins...) }
}

// ThreadedDestDriver delivers messages through a sluice.Sink from a single
// worker goroutine.
//
// Lock order is suspendMu before queueMu on every path that takes both.
type ThreadedDestDriver struct {
	*driver.DestDriver

	sink       sluice.Sink
	logger     sluice.Logger
	clock      clockwork.Clock
	tracer     trace.Tracer
	timeReopen time.Duration

	group    string
	reg      stats.Registrar
	queues   *driver.QueueRegistry
	fifoSize int
	throttle float64
	limiter  *rate.Limiter
	plugins  []driver.Plugin

	queueMu sync.Mutex
	queue   logqueue.Queue
	notify  func()

	suspendMu    sync.Mutex
	suspended    bool
	suspendUntil time.Time

	terminate atomic.Bool
	stop      chan struct{}
	done      chan struct{}
	cancel    context.CancelFunc

	state  atomic.Int32
	seqNum atomic.Uint32

	stored     *stats.Counter
	dropped    *stats.Counter
	storedKey  stats.Key
	droppedKey stats.Key
}

var _ driver.Pipe = (*ThreadedDestDriver)(nil)

func New(id string, sink sluice.Sink, opts ...Option) *ThreadedDestDriver {
	d := &ThreadedDestDriver{
		sink:       sink,
		logger:     NewDefaultLogger(),
		clock:      clockwork.NewRealClock(),
		tracer:     otel.Tracer(tracerName),
		timeReopen: DefaultTimeReopen,
		group:      id,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.DestDriver = driver.NewDestDriver(id, d.group, d.reg, d.queues, d.fifoSize)
	for _, p := range d.plugins {
		d.AddPlugin(p)
	}
	if d.throttle > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(d.throttle), max(1, int(d.throttle)))
	}
	d.seqNum.Store(1)
	d.state.Store(int32(StateStopped))
	return d
}

func (d *ThreadedDestDriver) describe() (component, persistName, instance string) {
	if desc, ok := d.sink.(sluice.Describer); ok {
		return desc.Component(), desc.PersistName(), desc.StatsInstance()
	}
	return "threaded", "", d.ID
}

func (d *ThreadedDestDriver) Init() error {
	if d.sink == nil {
		return ErrNoSink
	}
	if err := d.DestDriver.Init(); err != nil {
		return err
	}

	component, persistName, instance := d.describe()
	q := d.AcquireQueue(persistName)

	d.storedKey = stats.Key{Component: component, ID: d.ID, Instance: instance, Type: stats.Stored}
	d.droppedKey = stats.Key{Component: component, ID: d.ID, Instance: instance, Type: stats.Dropped}
	if reg := d.Stats(); reg != nil {
		d.stored = reg.Register(d.storedKey)
		d.dropped = reg.Register(d.droppedKey)
	} else {
		d.stored = &stats.Counter{}
		d.dropped = &stats.Counter{}
	}
	q.SetCounters(d.stored, d.dropped)

	d.queueMu.Lock()
	d.queue = q
	d.queueMu.Unlock()

	d.start()
	return nil
}

func (d *ThreadedDestDriver) Deinit() error {
	if !d.Initialized() {
		return driver.ErrNotInitialized
	}
	d.stopWorker()

	d.queueMu.Lock()
	d.queue = nil
	d.notify = nil
	d.queueMu.Unlock()

	// releases the queue, retaining it if it still holds messages
	err := d.DestDriver.Deinit()

	if reg := d.Stats(); reg != nil {
		reg.Unregister(d.storedKey)
		reg.Unregister(d.droppedKey)
	}
	return err
}

// Queue hands msg to the worker. It never waits for the delivery outcome.
func (d *ThreadedDestDriver) Queue(msg sluice.Message, opts sluice.DeliveryOptions) {
	item := opts
	if opts.FlowControlRequested {
		item.Ack = msg.AddAck()
	} else {
		// the upstream branch completes now; the queue item gets an
		// obligation of its own
		item.Ack = sluice.NewAck(nil)
	}

	d.suspendMu.Lock()
	d.queueMu.Lock()
	if d.queue == nil {
		d.queueMu.Unlock()
		d.suspendMu.Unlock()
		panic(fmt.Sprintf("threaded destination %s: Queue before Init", d.ID))
	}
	d.queue.PushTail(msg.Ref(), item)
	if !d.suspended {
		d.queue.ArmWake(d.notify)
	}
	d.queueMu.Unlock()
	d.suspendMu.Unlock()

	d.DestDriver.Queue(msg, opts)
}

func (d *ThreadedDestDriver) start() {
	wakeup := make(chan struct{}, 1)
	stop := make(chan struct{})
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	d.terminate.Store(false)
	d.stop = stop
	d.done = done
	d.cancel = cancel
	d.state.Store(int32(StateStarting))

	d.queueMu.Lock()
	d.notify = func() {
		select {
		case wakeup <- struct{}{}:
		default:
		}
	}
	d.queueMu.Unlock()

	go d.run(ctx, wakeup, stop, done)
}

// stopWorker asks the worker to exit and waits for it. A pending backoff
// or idle wait is interrupted; a Write in progress is canceled through its
// context but otherwise runs to completion.
func (d *ThreadedDestDriver) stopWorker() {
	if d.done == nil {
		return
	}
	d.terminate.Store(true)
	close(d.stop)
	d.cancel()
	<-d.done
	d.done = nil
}

func (d *ThreadedDestDriver) run(ctx context.Context, wakeup <-chan struct{}, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ActiveWorkers.Inc()
	defer ActiveWorkers.Dec()
	d.logger.Debug("Worker thread started", "driver", d.ID)

	if opener, ok := d.sink.(sluice.Opener); ok {
		if err := opener.Open(ctx); err != nil {
			d.logger.Error("Failed to initialize worker", "driver", d.ID, "time_reopen", d.timeReopen.Seconds(), "error", err)
			d.fail(err)
		}
	}

	for !d.terminate.Load() {
		d.suspendMu.Lock()
		if d.suspended {
			until := d.suspendUntil
			d.suspendMu.Unlock()

			d.state.Store(int32(StateSuspended))
			if wait := until.Sub(d.clock.Now()); wait > 0 {
				select {
				case <-d.clock.After(wait):
				case <-stop:
				}
			}

			d.suspendMu.Lock()
			d.suspended = false
			d.queueMu.Lock()
			d.queue.ArmWake(d.notify)
			d.queueMu.Unlock()
			d.suspendMu.Unlock()
		} else {
			d.suspendMu.Unlock()

			d.queueMu.Lock()
			if d.queue.Len() == 0 {
				d.queue.ArmWake(d.notify)
				d.queueMu.Unlock()

				d.state.Store(int32(StateWaiting))
				select {
				case <-wakeup:
				case <-stop:
				}
			} else {
				d.queueMu.Unlock()
			}
		}

		if d.terminate.Load() {
			break
		}
		d.state.Store(int32(StateActive))
		d.job(ctx)
	}

	d.state.Store(int32(StateTerminating))
	if closer, ok := d.sink.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			d.logger.Warn("Failed to close sink", "driver", d.ID, "error", err)
		}
	}
	d.logger.Debug("Worker thread finished", "driver", d.ID)
	d.state.Store(int32(StateStopped))
}

func (d *ThreadedDestDriver) job(ctx context.Context) {
	d.queueMu.Lock()
	d.queue.DisarmWake()
	msg, opts, ok := d.queue.PopHead()
	d.queueMu.Unlock()
	if !ok {
		return
	}
	if !d.awaitThrottle(ctx) {
		d.queueMu.Lock()
		d.queue.PushHead(msg, opts)
		d.queueMu.Unlock()
		return
	}

	seq := d.seqNum.Load()
	ctx, span := d.tracer.Start(ctx, "deliver", trace.WithAttributes(
		attribute.String("sluice.driver", d.ID),
		attribute.String("sluice.message_id", msg.ID()),
		attribute.Int64("sluice.seq_num", int64(seq)),
	))
	timer := prometheus.NewTimer(DeliveryDuration.WithLabelValues(d.ID))
	err := d.sink.Write(sluice.WithSeqNum(ctx, seq), msg)
	timer.ObserveDuration()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		DeliveryErrors.WithLabelValues(d.ID).Inc()
		d.logger.Error("Error during threaded worker execution",
			"driver", d.ID,
			"time_reopen", d.timeReopen.Seconds(),
			"seq_num", seq,
			"error", err,
		)
		d.queueMu.Lock()
		d.queue.PushHead(msg, opts)
		d.queueMu.Unlock()
		d.fail(err)
		return
	}

	span.End()
	d.stored.Inc()
	d.seqNum.Store(nextSeqNum(seq))
	opts.Ack.Signal()
	msg.Unref()
}

// awaitThrottle takes one token from the limiter, waiting for it on the
// driver clock. It reports false if the worker is stopped meanwhile.
func (d *ThreadedDestDriver) awaitThrottle(ctx context.Context) bool {
	if d.limiter == nil {
		return true
	}
	now := d.clock.Now()
	delay := d.limiter.ReserveN(now, 1).DelayFrom(now)
	if delay <= 0 {
		return true
	}
	select {
	case <-d.clock.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *ThreadedDestDriver) fail(err error) {
	if h, ok := d.sink.(sluice.ErrorHandler); ok {
		h.OnError(err)
	}
	d.suspendMu.Lock()
	d.suspended = true
	d.suspendUntil = d.clock.Now().Add(d.timeReopen)
	d.suspendMu.Unlock()
}

func nextSeqNum(seq uint32) uint32 {
	if seq >= math.MaxInt32 {
		return 1
	}
	return seq + 1
}

func (d *ThreadedDestDriver) State() State {
	return State(d.state.Load())
}

// SeqNum returns the sequence number of the next delivery.
func (d *ThreadedDestDriver) SeqNum() uint32 {
	return d.seqNum.Load()
}

func (d *ThreadedDestDriver) Stored() int64 {
	return d.stored.Value()
}

func (d *ThreadedDestDriver) Dropped() int64 {
	return d.dropped.Value()
}

func (d *ThreadedDestDriver) QueueLen() int {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	if d.queue == nil {
		return 0
	}
	return d.queue.Len()
}

func (d *ThreadedDestDriver) Throttle() float64 {
	return d.throttle
}

func (d *ThreadedDestDriver) TimeReopen() time.Duration {
	return d.timeReopen
}

func (d *ThreadedDestDriver) Sink() sluice.Sink {
	return d.sink
}
