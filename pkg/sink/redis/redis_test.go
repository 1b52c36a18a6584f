package redis

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/user/sluice/pkg/message"
)

func startRedis(t *testing.T) (*miniredis.Miniredis, int) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("bad miniredis port: %v", err)
	}
	return mr, port
}

func TestRedisSink_Stream(t *testing.T) {
	mr, port := startRedis(t)

	snk, err := NewRedisSink(Config{Host: mr.Host(), Port: port, Stream: "logs"}, nil)
	if err != nil {
		t.Fatalf("failed to create RedisSink: %v", err)
	}
	defer snk.Close()

	ctx := context.Background()
	msg := message.New("kernel panic")
	if err := snk.Write(ctx, msg); err != nil {
		t.Fatalf("failed to write to RedisSink: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	entries, err := client.XRange(ctx, "logs", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRANGE failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 stream entry, got %d", len(entries))
	}
	if entries[0].Values["data"] != "kernel panic" {
		t.Errorf("unexpected entry %v", entries[0].Values)
	}
}

func TestRedisSink_Command(t *testing.T) {
	mr, port := startRedis(t)

	snk, err := NewRedisSink(Config{
		Host:   mr.Host(),
		Port:   port,
		Prefix: "sluice:",
		Values: []string{"HOST", "PROGRAM"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer snk.Close()

	msg := message.New("x")
	msg.SetHost("web1")
	msg.SetProgram("nginx")
	for i := 0; i < 2; i++ {
		if err := snk.Write(context.Background(), msg); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	hosts, err := mr.List("sluice:HOST")
	if err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 2 || hosts[0] != "web1" {
		t.Errorf("unexpected HOST list %v", hosts)
	}
	if mr.Exists("sluice:MESSAGE") {
		t.Error("MESSAGE was not selected and must not be written")
	}
}

func TestRedisSink_ReconnectAfterError(t *testing.T) {
	mr, port := startRedis(t)
	snk, err := NewRedisSink(Config{Host: mr.Host(), Port: port}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer snk.Close()

	ctx := context.Background()
	mr.SetError("LOADING")
	if err := snk.Write(ctx, message.New("a")); err == nil {
		t.Fatal("expected write to fail while redis reports an error")
	}
	snk.OnError(err)
	if snk.client != nil {
		t.Fatal("expected OnError to drop the connection")
	}

	mr.SetError("")
	if err := snk.Write(ctx, message.New("b")); err != nil {
		t.Fatalf("expected write to succeed after reconnect: %v", err)
	}
}

func TestRedisSink_Names(t *testing.T) {
	snk, err := NewRedisSink(Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if snk.PersistName() != "redis(127.0.0.1,6379)" {
		t.Errorf("unexpected persist name %s", snk.PersistName())
	}
	if snk.StatsInstance() != "redis,127.0.0.1,6379" {
		t.Errorf("unexpected stats instance %s", snk.StatsInstance())
	}
	if _, err := NewRedisSink(Config{Mode: "pubsub"}, nil); err == nil {
		t.Error("expected error for unknown mode")
	}
}
