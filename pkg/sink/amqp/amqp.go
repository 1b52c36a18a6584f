package amqp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/user/sluice"
)

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string
	// Exchange and RoutingKey locate the destination; an empty exchange
	// publishes directly to the queue named by RoutingKey.
	Exchange   string
	RoutingKey string
	// Persistent marks messages to survive a broker restart.
	Persistent bool
	// Ack waits for a publisher confirm before reporting delivery.
	Ack bool
	// Headers lists the message values sent as AMQP headers; empty means all.
	Headers []string
}

// AMQPSink publishes messages to an AMQP 0.9.1 broker.
type AMQPSink struct {
	cfg       Config
	formatter sluice.Formatter

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewAMQPSink(cfg Config, formatter sluice.Formatter) (*AMQPSink, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 5672
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "syslog"
	}
	if cfg.User == "" {
		cfg.User = "guest"
		cfg.Password = "guest"
	}
	return &AMQPSink{cfg: cfg, formatter: formatter}, nil
}

func (s *AMQPSink) Component() string { return "amqp" }

func (s *AMQPSink) PersistName() string {
	return fmt.Sprintf("amqp(%s,%d,%s,%s)", s.cfg.Host, s.cfg.Port, s.cfg.Exchange, s.cfg.RoutingKey)
}

func (s *AMQPSink) StatsInstance() string {
	return fmt.Sprintf("amqp,%s,%d,%s,%s", s.cfg.Host, s.cfg.Port, s.cfg.Exchange, s.cfg.RoutingKey)
}

// URL returns the broker address with credentials.
func (s *AMQPSink) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(s.cfg.User, s.cfg.Password),
		Host:   net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Path:   "/" + s.cfg.VHost,
	}
	return u.String()
}

func (s *AMQPSink) ensureConnected() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil && !s.conn.IsClosed() && s.channel != nil {
		return nil
	}

	conn, err := amqp.Dial(s.URL())
	if err != nil {
		return fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}

	if s.cfg.Ack {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("failed to enable publisher confirms: %w", err)
		}
	}

	s.conn = conn
	s.channel = ch
	return nil
}

func (s *AMQPSink) Open(ctx context.Context) error {
	return s.ensureConnected()
}

// Publishing builds the AMQP message for msg.
func (s *AMQPSink) Publishing(msg sluice.Message) (amqp.Publishing, error) {
	var body []byte
	var err error
	if s.formatter != nil {
		body, err = s.formatter.Format(msg)
	} else {
		body = msg.Text()
	}
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to format message: %w", err)
	}

	values := msg.Values()
	headers := amqp.Table{}
	if len(s.cfg.Headers) == 0 {
		for name, value := range values {
			headers[name] = value
		}
	} else {
		for _, name := range s.cfg.Headers {
			if value, ok := values[name]; ok {
				headers[name] = value
			}
		}
	}

	p := amqp.Publishing{
		Headers:   headers,
		MessageId: msg.ID(),
		Timestamp: msg.Timestamp(),
		Body:      body,
	}
	if s.cfg.Persistent {
		p.DeliveryMode = amqp.Persistent
	} else {
		p.DeliveryMode = amqp.Transient
	}
	return p, nil
}

func (s *AMQPSink) Write(ctx context.Context, msg sluice.Message) error {
	if msg == nil {
		return nil
	}
	if err := s.ensureConnected(); err != nil {
		return err
	}

	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()

	p, err := s.Publishing(msg)
	if err != nil {
		return err
	}

	if !s.cfg.Ack {
		if err := ch.PublishWithContext(ctx, s.cfg.Exchange, s.cfg.RoutingKey, false, false, p); err != nil {
			return fmt.Errorf("failed to publish message: %w", err)
		}
		return nil
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, s.cfg.Exchange, s.cfg.RoutingKey, false, false, p)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for publisher confirm: %w", err)
	}
	if !ok {
		return errors.New("broker rejected the message")
	}
	return nil
}

func (s *AMQPSink) OnError(err error) {
	_ = s.Close()
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel != nil {
		s.channel.Close()
		s.channel = nil
	}
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		if err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
	}
	return nil
}
