package beats

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	lumberjack "github.com/elastic/go-lumber/client/v2"
	"github.com/user/sluice"
	"github.com/user/sluice/pkg/message"
)

type Config struct {
	Endpoint    string
	Compression int
	Timeout     time.Duration
}

// BeatsSink ships messages to a beats (lumberjack v2) server such as
// Logstash.
type BeatsSink struct {
	cfg    Config
	client *lumberjack.SyncClient
}

func NewBeatsSink(cfg Config) (*BeatsSink, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("beats sink requires an endpoint")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &BeatsSink{cfg: cfg}, nil
}

func (s *BeatsSink) Component() string     { return "beats" }
func (s *BeatsSink) PersistName() string   { return fmt.Sprintf("beats(%s)", s.cfg.Endpoint) }
func (s *BeatsSink) StatsInstance() string { return fmt.Sprintf("beats,%s", s.cfg.Endpoint) }

func (s *BeatsSink) connect() error {
	client, err := lumberjack.SyncDial(s.cfg.Endpoint,
		lumberjack.CompressionLevel(s.cfg.Compression),
		lumberjack.Timeout(s.cfg.Timeout),
	)
	if err != nil {
		return fmt.Errorf("failed connection to beats server: %w", err)
	}
	s.client = client
	return nil
}

func (s *BeatsSink) Open(ctx context.Context) error {
	if s.client != nil {
		return nil
	}
	return s.connect()
}

// Event maps a message to the ECS-style document beats servers expect.
func Event(msg sluice.Message) map[string]interface{} {
	pid, _ := strconv.Atoi(msg.PID())
	return map[string]interface{}{
		"@timestamp": msg.Timestamp(),
		"message":    string(msg.Text()),
		"host": map[string]interface{}{
			"name":     msg.Host(),
			"hostname": msg.Host(),
		},
		"agent": map[string]interface{}{
			"name": msg.Host(),
			"type": "sluice",
			"pid":  os.Getpid(),
		},
		"process": map[string]interface{}{
			"name": msg.Program(),
			"pid":  pid,
		},
		"log": map[string]interface{}{
			"id": msg.ID(),
			"syslog": map[string]interface{}{
				"appname": msg.Program(),
				"facility": map[string]interface{}{
					"code": msg.Facility(),
					"name": message.FacilityName(msg.Facility()),
				},
				"priority":      msg.Severity(),
				"priority-name": message.SeverityName(msg.Severity()),
			},
		},
	}
}

func (s *BeatsSink) Write(ctx context.Context, msg sluice.Message) error {
	if msg == nil {
		return nil
	}
	if s.client == nil {
		if err := s.connect(); err != nil {
			return err
		}
	}
	n, err := s.client.Send([]interface{}{Event(msg)})
	if err != nil {
		return fmt.Errorf("failed to send to beats server: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("beats server acknowledged %d of 1 events", n)
	}
	return nil
}

func (s *BeatsSink) OnError(err error) {
	_ = s.Close()
}

func (s *BeatsSink) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
