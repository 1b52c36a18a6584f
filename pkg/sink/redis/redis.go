package redis

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/user/sluice"
)

const (
	ModeStream  = "stream"
	ModeCommand = "command"
)

type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	// Mode is "stream" (XADD of the formatted message) or "command" (one
	// command per name-value pair). Empty selects stream when Stream is set.
	Mode   string
	Stream string
	// Command mode: COMMAND <Prefix><name> <value>, LPUSH by default.
	Command string
	Prefix  string
	// Values restricts command mode to these names; empty means all.
	Values []string
}

// RedisSink delivers messages to Redis.
type RedisSink struct {
	cfg       Config
	formatter sluice.Formatter
	client    *redis.Client
}

func NewRedisSink(cfg Config, formatter sluice.Formatter) (*RedisSink, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 6379
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeCommand
		if cfg.Stream != "" {
			cfg.Mode = ModeStream
		}
	}
	if cfg.Command == "" {
		cfg.Command = "LPUSH"
	}
	switch cfg.Mode {
	case ModeStream:
		if cfg.Stream == "" {
			return nil, fmt.Errorf("redis sink: stream mode requires a stream name")
		}
	case ModeCommand:
	default:
		return nil, fmt.Errorf("redis sink: unknown mode %q", cfg.Mode)
	}
	return &RedisSink{
		cfg:       cfg,
		formatter: formatter,
	}, nil
}

func (s *RedisSink) Component() string { return "redis" }

func (s *RedisSink) PersistName() string {
	return fmt.Sprintf("redis(%s,%d)", s.cfg.Host, s.cfg.Port)
}

func (s *RedisSink) StatsInstance() string {
	return fmt.Sprintf("redis,%s,%d", s.cfg.Host, s.cfg.Port)
}

func (s *RedisSink) init(ctx context.Context) error {
	s.client = redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Password: s.cfg.Password,
		DB:       s.cfg.DB,
	})
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.disconnect()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	return nil
}

func (s *RedisSink) Open(ctx context.Context) error {
	if s.client != nil {
		return nil
	}
	return s.init(ctx)
}

func (s *RedisSink) Write(ctx context.Context, msg sluice.Message) error {
	if msg == nil {
		return nil
	}
	if s.client == nil {
		if err := s.init(ctx); err != nil {
			return err
		}
	}

	if s.cfg.Mode == ModeCommand {
		return s.writeCommands(ctx, msg)
	}

	var data []byte
	var err error

	if s.formatter != nil {
		data, err = s.formatter.Format(msg)
	} else {
		data = msg.Text()
	}

	if err != nil {
		return fmt.Errorf("failed to format message: %w", err)
	}

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.cfg.Stream,
		Values: map[string]any{"data": data, "id": msg.ID()},
	}).Err()

	if err != nil {
		return fmt.Errorf("failed to publish to redis stream: %w", err)
	}

	return nil
}

func (s *RedisSink) writeCommands(ctx context.Context, msg sluice.Message) error {
	values := msg.Values()
	names := s.cfg.Values
	if len(names) == 0 {
		names = make([]string, 0, len(values))
		for name := range values {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	for _, name := range names {
		value, ok := values[name]
		if !ok {
			continue
		}
		if err := s.client.Do(ctx, s.cfg.Command, s.cfg.Prefix+name, value).Err(); err != nil {
			return fmt.Errorf("failed to run redis %s: %w", s.cfg.Command, err)
		}
	}
	return nil
}

// OnError drops the connection; the next Write reconnects.
func (s *RedisSink) OnError(err error) {
	s.disconnect()
}

func (s *RedisSink) disconnect() {
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
}

func (s *RedisSink) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
