package stats

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIsReferenceCounted(t *testing.T) {
	r := NewRegistry()
	key := Key{Component: "redis", ID: "d_redis", Instance: "redis,localhost,6379", Type: Stored}

	c1 := r.Register(key)
	c2 := r.Register(key)
	if c1 != c2 {
		t.Fatal("expected the same counter for the same key")
	}
	c1.Add(3)

	r.Unregister(key)
	if v, ok := r.Lookup(key); !ok || v != 3 {
		t.Fatalf("expected counter to survive one Unregister with value 3, got %d (%v)", v, ok)
	}

	r.Unregister(key)
	if _, ok := r.Lookup(key); ok {
		t.Fatal("expected counter to be removed after the last Unregister")
	}

	// Unregister of an unknown key is harmless
	r.Unregister(key)
}

func TestNilCounter(t *testing.T) {
	var c *Counter
	c.Inc()
	c.Add(5)
	if c.Value() != 0 {
		t.Errorf("expected 0 from nil counter, got %d", c.Value())
	}
}

func TestSnapshotSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(Key{Component: "mongodb", ID: "b", Type: Stored}).Inc()
	r.Register(Key{Component: "center", ID: "", Instance: "queued", Type: Processed})
	r.Register(Key{Component: "mongodb", ID: "a", Type: Dropped})

	s := r.Snapshot()
	if len(s) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(s))
	}
	if s[0].Key.Component != "center" || s[1].Key.ID != "a" || s[2].Key.ID != "b" {
		t.Errorf("unexpected order: %+v", s)
	}
	if s[2].Value != 1 {
		t.Errorf("expected value 1, got %d", s[2].Value)
	}
}

func TestPrometheusCollector(t *testing.T) {
	r := NewRegistry()
	r.Register(Key{Component: "redis", ID: "d1", Instance: "redis,h,1", Type: Stored}).Add(7)
	r.Register(Key{Component: "redis", ID: "d1", Instance: "redis,h,1", Type: Dropped}).Add(2)

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(r); err != nil {
		t.Fatalf("failed to register collector: %v", err)
	}

	expected := `
# HELP sluice_stored_total The total number of stored messages
# TYPE sluice_stored_total counter
sluice_stored_total{component="redis",id="d1",instance="redis,h,1"} 7
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "sluice_stored_total"); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
}
