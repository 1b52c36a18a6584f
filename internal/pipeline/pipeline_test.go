package pipeline

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/user/sluice"
	"github.com/user/sluice/internal/config"
	"github.com/user/sluice/pkg/driver"
	"github.com/user/sluice/pkg/engine"
	"github.com/user/sluice/pkg/message"
	"github.com/user/sluice/pkg/stats"
)

func newFactory(t *testing.T, cfg *config.Config) *Factory {
	t.Helper()
	return &Factory{
		Options: cfg.Options,
		Stats:   stats.NewRegistry(),
		Queues:  driver.NewQueueRegistry(),
		Logger:  engine.NopLogger{},
	}
}

func mustParse(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("invalid config: %v", err)
	}
	return cfg
}

func TestPipelineEndToEnd(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.log")
	cfg := mustParse(t, fmt.Sprintf(`
sources:
  - id: s_net
    type: stream
    params: {addr: "127.0.0.1:0", window: "4"}
destinations:
  - id: d_file
    type: file
    params: {path: %q}
  - id: d_rss
    type: rss
logs:
  - sources: [s_net]
    destinations: [d_file, d_rss]
    flow_control: true
`, out))
	f := newFactory(t, cfg)

	p, err := New(cfg, f)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}

	src, _ := p.Source("s_net")
	addr := src.(interface{ Addr() net.Addr }).Addr().String()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		fmt.Fprintf(conn, "line %d\n", i)
	}
	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		data, _ := os.ReadFile(out)
		if strings.Count(string(data), "\n") == 10 {
			if !strings.HasPrefix(string(data), "line 0\n") {
				t.Errorf("unexpected file content %q", data)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out, file holds %q", data)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if v, _ := f.Stats.Lookup(stats.Key{Component: "file", ID: "d_file", Instance: "file," + out, Type: stats.Stored}); v != 10 {
		t.Errorf("expected 10 stored, got %d", v)
	}

	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	if len(f.Stats.Snapshot()) != 0 {
		t.Errorf("expected every counter unregistered, got %v", f.Stats.Snapshot())
	}
}

func TestPipelineUnknownType(t *testing.T) {
	cfg := mustParse(t, "destinations: [{id: d, type: carrier-pigeon}]")
	_, err := New(cfg, newFactory(t, cfg))
	if !errors.Is(err, config.ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
}

func TestReloadKeepsUndeliveredQueue(t *testing.T) {
	// the directory does not exist, so delivery keeps failing
	path := filepath.Join(t.TempDir(), "missing", "out.log")
	yaml := fmt.Sprintf(`
destinations:
  - id: d_file
    type: file
    params: {path: %q}
`, path)
	cfg := mustParse(t, yaml)
	f := newFactory(t, cfg)

	p, err := New(cfg, f)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	d, _ := p.Destination("d_file")
	d.Queue(message.New("pending"), sluice.DeliveryOptions{})

	deadline := time.Now().Add(5 * time.Second)
	for d.(*engine.ThreadedDestDriver).State() != engine.StateSuspended {
		if time.Now().After(deadline) {
			t.Fatal("destination never suspended")
		}
		time.Sleep(5 * time.Millisecond)
	}

	next, err := Reload(p, mustParse(t, yaml), f)
	if err != nil {
		t.Fatal(err)
	}
	defer next.Stop()

	nd, _ := next.Destination("d_file")
	if n := nd.(*engine.ThreadedDestDriver).QueueLen(); n != 1 {
		t.Errorf("expected the undelivered message to carry over, queue holds %d", n)
	}
}

func TestReloadFailureRestores(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	cfg := mustParse(t, "destinations: [{id: d, type: rss}]")
	f := newFactory(t, cfg)
	p, err := New(cfg, f)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}

	bad := mustParse(t, fmt.Sprintf(`
sources: [{id: s, type: stream, params: {addr: %q}}]
destinations: [{id: d, type: rss}]
logs: [{sources: [s], destinations: [d]}]
`, busy.Addr().String()))

	restored, err := Reload(p, bad, f)
	if err == nil {
		t.Fatal("expected reload to fail on a busy address")
	}
	if restored == nil {
		t.Fatalf("expected the previous configuration to be restored: %v", err)
	}
	if _, ok := restored.Source("s"); ok {
		t.Error("restored pipeline must use the previous configuration")
	}
	if err := restored.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestDestinationThrottleParam(t *testing.T) {
	cfg := mustParse(t, `
destinations:
  - id: d_slow
    type: stdout
    params: {throttle: "2.5"}
  - id: d_bad
    type: stdout
    params: {throttle: "-1"}
`)
	f := newFactory(t, cfg)

	pipe, err := f.NewDestination(cfg.Destinations[0])
	if err != nil {
		t.Fatal(err)
	}
	if got := pipe.(*engine.ThreadedDestDriver).Throttle(); got != 2.5 {
		t.Errorf("expected throttle 2.5, got %v", got)
	}
	if _, err := f.NewDestination(cfg.Destinations[1]); err == nil {
		t.Error("expected an error for a negative throttle")
	}
}
