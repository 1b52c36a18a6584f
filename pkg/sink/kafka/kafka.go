package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/user/sluice"
)

type Config struct {
	Brokers  []string
	Topic    string
	Username string
	Password string
	Timeout  time.Duration
}

type KafkaSink struct {
	cfg       Config
	writer    *kafka.Writer
	transport kafka.RoundTripper
	formatter sluice.Formatter
}

func NewKafkaSink(cfg Config, formatter sluice.Formatter) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		cfg.Brokers = []string{"127.0.0.1:9092"}
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink requires a topic")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	var transport kafka.RoundTripper
	if cfg.Username != "" {
		transport = &kafka.Transport{
			SASL: plain.Mechanism{
				Username: cfg.Username,
				Password: cfg.Password,
			},
		}
	}

	return &KafkaSink{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			Transport:              transport,
			// one message per Write: the destination delivers one at a time
			BatchSize:    1,
			RequiredAcks: kafka.RequireAll,
			WriteTimeout: cfg.Timeout,
		},
		transport: transport,
		formatter: formatter,
	}, nil
}

func (s *KafkaSink) Component() string { return "kafka" }

func (s *KafkaSink) PersistName() string {
	return fmt.Sprintf("kafka(%s,%s)", strings.Join(s.cfg.Brokers, ","), s.cfg.Topic)
}

func (s *KafkaSink) StatsInstance() string {
	return fmt.Sprintf("kafka,%s,%s", strings.Join(s.cfg.Brokers, ","), s.cfg.Topic)
}

// Message builds the Kafka record for msg, keyed by host so that one host's
// messages stay in one partition.
func (s *KafkaSink) Message(msg sluice.Message) (kafka.Message, error) {
	var data []byte
	var err error
	if s.formatter != nil {
		data, err = s.formatter.Format(msg)
	} else {
		data = msg.Text()
	}
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to format message: %w", err)
	}
	return kafka.Message{
		Key:   []byte(msg.Host()),
		Value: data,
		Time:  msg.Timestamp(),
		Headers: []kafka.Header{
			{Key: "id", Value: []byte(msg.ID())},
			{Key: "program", Value: []byte(msg.Program())},
		},
	}, nil
}

func (s *KafkaSink) Write(ctx context.Context, msg sluice.Message) error {
	if msg == nil {
		return nil
	}
	m, err := s.Message(msg)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, m); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

// Open checks that the brokers know the topic.
func (s *KafkaSink) Open(ctx context.Context) error {
	client := &kafka.Client{
		Addr:      s.writer.Addr,
		Transport: s.transport,
		Timeout:   s.cfg.Timeout,
	}
	_, err := client.Metadata(ctx, &kafka.MetadataRequest{
		Topics: []string{s.writer.Topic},
	})
	if err != nil {
		return fmt.Errorf("failed to reach kafka: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
