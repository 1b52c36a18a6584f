package logqueue

import (
	"sync"

	"github.com/user/sluice"
	"github.com/user/sluice/pkg/stats"
)

type entry struct {
	msg  sluice.Message
	opts sluice.DeliveryOptions
}

// FIFO is an in-memory Queue backed by a growable ring. A capacity of zero or
// less means unbounded. When full, PushTail drops a new message that did not
// request flow control and signals its obligation. Flow-controlled messages
// are always accepted: the sending window bounds them.
//
// The stored counter is advanced by the consumer on delivery; FIFO only
// touches the dropped counter.
type FIFO struct {
	mu       sync.Mutex
	buf      []entry
	head     int
	n        int
	capacity int
	name     string

	wake    func()
	stored  *stats.Counter
	dropped *stats.Counter
}

var _ Queue = (*FIFO)(nil)

func NewFIFO(persistName string, capacity int) *FIFO {
	initial := 16
	if capacity > 0 && capacity < initial {
		initial = capacity
	}
	return &FIFO{
		buf:      make([]entry, initial),
		capacity: capacity,
		name:     persistName,
	}
}

func (q *FIFO) PushTail(msg sluice.Message, opts sluice.DeliveryOptions) bool {
	q.mu.Lock()
	if !opts.FlowControlRequested && q.full() {
		dropped := q.dropped
		q.mu.Unlock()

		dropped.Inc()
		opts.Ack.Signal()
		msg.Unref()
		return false
	}
	q.pushTailLocked(msg, opts)
	wake := q.wake
	q.wake = nil
	q.mu.Unlock()

	if wake != nil {
		wake()
	}
	return true
}

// TryPushTail appends msg unless the queue is full. On ErrQueueFull the
// caller keeps its reference and obligation.
func (q *FIFO) TryPushTail(msg sluice.Message, opts sluice.DeliveryOptions) error {
	q.mu.Lock()
	if q.full() {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.pushTailLocked(msg, opts)
	wake := q.wake
	q.wake = nil
	q.mu.Unlock()

	if wake != nil {
		wake()
	}
	return nil
}

// PushHead ignores the capacity: the message was already accounted for.
func (q *FIFO) PushHead(msg sluice.Message, opts sluice.DeliveryOptions) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.grow()
	q.head = (q.head - 1 + len(q.buf)) % len(q.buf)
	q.buf[q.head] = entry{msg: msg, opts: opts}
	q.n++
}

func (q *FIFO) PopHead() (sluice.Message, sluice.DeliveryOptions, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.n == 0 {
		return nil, sluice.DeliveryOptions{}, false
	}
	e := q.buf[q.head]
	q.buf[q.head] = entry{}
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return e.msg, e.opts, true
}

func (q *FIFO) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

func (q *FIFO) ArmWake(fn func()) {
	q.mu.Lock()
	q.wake = fn
	q.mu.Unlock()
}

func (q *FIFO) DisarmWake() {
	q.mu.Lock()
	q.wake = nil
	q.mu.Unlock()
}

func (q *FIFO) SetCounters(stored, dropped *stats.Counter) {
	q.mu.Lock()
	q.stored = stored
	q.dropped = dropped
	q.mu.Unlock()
}

func (q *FIFO) PersistName() string {
	return q.name
}

func (q *FIFO) KeepOnReload() bool {
	return q.Len() > 0
}

func (q *FIFO) Free() {
	q.mu.Lock()
	var pending []entry
	for q.n > 0 {
		pending = append(pending, q.buf[q.head])
		q.buf[q.head] = entry{}
		q.head = (q.head + 1) % len(q.buf)
		q.n--
	}
	q.wake = nil
	dropped := q.dropped
	q.mu.Unlock()

	for _, e := range pending {
		dropped.Inc()
		e.opts.Ack.Signal()
		e.msg.Unref()
	}
}

func (q *FIFO) full() bool {
	return q.capacity > 0 && q.n >= q.capacity
}

func (q *FIFO) pushTailLocked(msg sluice.Message, opts sluice.DeliveryOptions) {
	q.grow()
	q.buf[(q.head+q.n)%len(q.buf)] = entry{msg: msg, opts: opts}
	q.n++
}

func (q *FIFO) grow() {
	if q.n < len(q.buf) {
		return
	}
	size := len(q.buf) * 2
	if size == 0 {
		size = 16
	}
	buf := make([]entry, size)
	for i := 0; i < q.n; i++ {
		buf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = buf
	q.head = 0
}
