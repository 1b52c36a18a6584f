package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/user/sluice"
)

type Config struct {
	URL      string
	Subject  string
	Username string
	Password string
	Token    string
	// JetStream publishes with acknowledgement from the stream.
	JetStream bool
	Timeout   time.Duration
}

// NatsSink publishes messages to a NATS subject.
type NatsSink struct {
	cfg       Config
	nc        *nats.Conn
	js        nats.JetStreamContext
	formatter sluice.Formatter
}

func NewNatsSink(cfg Config, formatter sluice.Formatter) (*NatsSink, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Subject == "" {
		return nil, fmt.Errorf("nats sink requires a subject")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &NatsSink{cfg: cfg, formatter: formatter}, nil
}

func (s *NatsSink) Component() string { return "nats" }

func (s *NatsSink) PersistName() string {
	return fmt.Sprintf("nats(%s,%s)", s.cfg.URL, s.cfg.Subject)
}

func (s *NatsSink) StatsInstance() string {
	return fmt.Sprintf("nats,%s,%s", s.cfg.URL, s.cfg.Subject)
}

func (s *NatsSink) connect() error {
	opts := []nats.Option{
		nats.Timeout(s.cfg.Timeout),
		// reconnecting is driven by the destination's backoff
		nats.NoReconnect(),
	}
	if s.cfg.Token != "" {
		opts = append(opts, nats.Token(s.cfg.Token))
	} else if s.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(s.cfg.Username, s.cfg.Password))
	}

	nc, err := nats.Connect(s.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if s.cfg.JetStream {
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
		s.js = js
	}
	s.nc = nc
	return nil
}

func (s *NatsSink) Open(ctx context.Context) error {
	if s.nc != nil {
		return nil
	}
	return s.connect()
}

func (s *NatsSink) Write(ctx context.Context, msg sluice.Message) error {
	if msg == nil {
		return nil
	}
	if s.nc == nil {
		if err := s.connect(); err != nil {
			return err
		}
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

	if s.js != nil {
		if _, err := s.js.Publish(s.cfg.Subject, data, nats.Context(ctx)); err != nil {
			return fmt.Errorf("failed to publish message to JetStream: %w", err)
		}
		return nil
	}

	if err := s.nc.Publish(s.cfg.Subject, data); err != nil {
		return fmt.Errorf("failed to publish message to NATS: %w", err)
	}
	// a flush makes delivery failures visible to this Write
	if err := s.nc.FlushTimeout(s.cfg.Timeout); err != nil {
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}
	return nil
}

func (s *NatsSink) OnError(err error) {
	_ = s.Close()
}

func (s *NatsSink) Close() error {
	if s.nc != nil {
		s.nc.Close()
		s.nc = nil
		s.js = nil
	}
	return nil
}
