package driver

import (
	"errors"
	"testing"

	"github.com/user/sluice"
	"github.com/user/sluice/pkg/message"
	"github.com/user/sluice/pkg/stats"
)

type mockPlugin struct {
	attachErr error
	attached  int
	detached  int
}

func (p *mockPlugin) Attach(*Driver) error {
	if p.attachErr != nil {
		return p.attachErr
	}
	p.attached++
	return nil
}

func (p *mockPlugin) Detach(*Driver) {
	p.detached++
}

type recordingPipe struct {
	Driver
	got []string
}

func (p *recordingPipe) Queue(msg sluice.Message, opts sluice.DeliveryOptions) {
	p.got = append(p.got, string(msg.Text()))
	opts.Ack.Signal()
	msg.Unref()
}

func TestDriverPluginsSymmetric(t *testing.T) {
	p1, p2 := &mockPlugin{}, &mockPlugin{}
	d := NewDriver("d1", "g1", p1, p2)

	if err := d.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := d.Init(); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("expected ErrAlreadyInitialized, got %v", err)
	}
	if err := d.Deinit(); err != nil {
		t.Fatalf("Deinit failed: %v", err)
	}
	if p1.attached != 1 || p1.detached != 1 || p2.attached != 1 || p2.detached != 1 {
		t.Errorf("unbalanced plugin hooks: %+v %+v", p1, p2)
	}
	if err := d.Deinit(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
}

func TestDriverInitFailureDetaches(t *testing.T) {
	ok := &mockPlugin{}
	bad := &mockPlugin{attachErr: errors.New("boom")}
	d := NewDriver("d1", "g1", ok, bad)

	err := d.Init()
	if err == nil {
		t.Fatal("expected Init to fail")
	}
	if ok.detached != 1 {
		t.Errorf("expected the attached plugin to be detached, got %d", ok.detached)
	}
	if d.Initialized() {
		t.Error("driver must not be initialized after a failed Init")
	}
}

func TestDriverLifecyclePanics(t *testing.T) {
	t.Run("queue before init", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("expected panic")
			}
		}()
		NewDriver("d", "g").Queue(message.New("x"), sluice.DeliveryOptions{})
	})
	t.Run("free before deinit", func(t *testing.T) {
		d := NewDriver("d", "g")
		if err := d.Init(); err != nil {
			t.Fatal(err)
		}
		defer func() {
			if recover() == nil {
				t.Error("expected panic")
			}
		}()
		d.Free()
	})
}

func TestDriverEndOfChainAcks(t *testing.T) {
	d := NewDriver("d", "g")
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	msg := message.New("x")
	ack := sluice.NewAck(nil)
	d.Queue(msg, sluice.DeliveryOptions{Ack: ack})
	if !ack.Signaled() {
		t.Error("expected the obligation to be signaled at the end of the chain")
	}
}

func TestSrcDriverCountsAndForwards(t *testing.T) {
	reg := stats.NewRegistry()
	src := NewSrcDriver("s1", "s_net", reg)
	next := &recordingPipe{}
	src.SetNext(next)

	if err := src.Init(); err != nil {
		t.Fatal(err)
	}
	src.Queue(message.New("a"), sluice.DeliveryOptions{})
	src.Queue(message.New("b"), sluice.DeliveryOptions{})

	if len(next.got) != 2 || next.got[0] != "a" {
		t.Errorf("unexpected forwarded messages %v", next.got)
	}
	if v, _ := reg.Lookup(stats.Key{Component: stats.ComponentSource, ID: "s_net", Type: stats.Processed}); v != 2 {
		t.Errorf("expected 2 processed, got %d", v)
	}
	if v, _ := reg.Lookup(stats.Key{Component: stats.ComponentCenter, Instance: "received", Type: stats.Processed}); v != 2 {
		t.Errorf("expected 2 received, got %d", v)
	}

	if err := src.Deinit(); err != nil {
		t.Fatal(err)
	}
	if len(reg.Snapshot()) != 0 {
		t.Errorf("expected counters unregistered, got %v", reg.Snapshot())
	}
}

func TestDestDriverCountsQueued(t *testing.T) {
	reg := stats.NewRegistry()
	d := NewDestDriver("d1", "d_file", reg, nil, 0)
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	d.Queue(message.New("a"), sluice.DeliveryOptions{})
	d.Queue(message.New("b"), sluice.DeliveryOptions{})

	if v, _ := reg.Lookup(stats.Key{Component: stats.ComponentDestination, ID: "d_file", Type: stats.Processed}); v != 2 {
		t.Errorf("expected 2 processed by the group, got %d", v)
	}
	if v, ok := reg.Lookup(stats.Key{Component: stats.ComponentCenter, Instance: "queued", Type: stats.Processed}); !ok || v != 2 {
		t.Errorf("expected 2 queued in the center, got %d (%v)", v, ok)
	}
	if err := d.Deinit(); err != nil {
		t.Fatal(err)
	}
}

func TestDestDriverQueueRetention(t *testing.T) {
	queues := NewQueueRegistry()

	d := NewDestDriver("d1", "d_redis", nil, queues, 0)
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	named := d.AcquireQueue("redis(localhost,6379)")
	anon := d.AcquireQueue("")
	named.PushTail(message.New("pending"), sluice.DeliveryOptions{})
	anonAck := sluice.NewAck(nil)
	anon.PushTail(message.New("lost"), sluice.DeliveryOptions{Ack: anonAck})

	if err := d.Deinit(); err != nil {
		t.Fatal(err)
	}
	if queues.Len() != 1 {
		t.Fatalf("expected one retained queue, got %v", queues.Names())
	}
	if !anonAck.Signaled() {
		t.Error("expected the unnamed queue to be freed")
	}

	// a new activation with the same persist name gets the retained queue back
	d2 := NewDestDriver("d1", "d_redis", nil, queues, 0)
	if err := d2.Init(); err != nil {
		t.Fatal(err)
	}
	q := d2.AcquireQueue("redis(localhost,6379)")
	if q != named || q.Len() != 1 {
		t.Errorf("expected retained queue with 1 message, got len %d", q.Len())
	}

	// an empty queue is not retained
	msg, _, _ := q.PopHead()
	msg.Unref()
	d2.ReleaseQueue(q)
	if queues.Len() != 0 {
		t.Errorf("expected empty queue to be dropped, got %v", queues.Names())
	}
	if err := d2.Deinit(); err != nil {
		t.Fatal(err)
	}
}
