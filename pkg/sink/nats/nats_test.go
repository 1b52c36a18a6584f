package nats

import "testing"

func TestNewNatsSink(t *testing.T) {
	if _, err := NewNatsSink(Config{}, nil); err == nil {
		t.Error("expected error without subject")
	}
	s, err := NewNatsSink(Config{Subject: "logs.app"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.PersistName(); got != "nats(nats://127.0.0.1:4222,logs.app)" {
		t.Errorf("unexpected persist name %s", got)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close of an unconnected sink failed: %v", err)
	}
}
