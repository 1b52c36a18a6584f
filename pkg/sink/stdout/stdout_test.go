package stdout

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/user/sluice"
	"github.com/user/sluice/pkg/driver"
	"github.com/user/sluice/pkg/engine"
	"github.com/user/sluice/pkg/message"
)

func TestStdoutSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewStdoutSink(nil)
	sink.SetOutput(&buf)

	if err := sink.Write(context.Background(), message.New("hello")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if buf.String() != "hello\n" {
		t.Errorf("expected hello line, got %q", buf.String())
	}
}

type brokenWriter struct{}

func (brokenWriter) Write(p []byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestStdoutQueueRetainedOnReload(t *testing.T) {
	queues := driver.NewQueueRegistry()
	sink := NewStdoutSink(nil)
	sink.SetOutput(brokenWriter{})

	d := engine.New("d_stdout", sink,
		engine.WithLogger(engine.NopLogger{}),
		engine.WithPersist(queues),
		engine.WithTimeReopen(time.Hour),
	)
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	d.Queue(message.New("pending"), sluice.DeliveryOptions{})

	deadline := time.Now().Add(5 * time.Second)
	for d.State() != engine.StateSuspended {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the failed delivery")
		}
		time.Sleep(time.Millisecond)
	}
	if err := d.Deinit(); err != nil {
		t.Fatal(err)
	}

	q, ok := queues.Fetch("stdout()")
	if !ok || q.Len() != 1 {
		t.Fatalf("expected the pending message to be retained, got %v", queues.Names())
	}
	if d.Dropped() != 0 {
		t.Errorf("expected no drops, got %d", d.Dropped())
	}
	q.Free()
}
