package http

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/user/sluice"
	"golang.org/x/time/rate"
)

type Config struct {
	URL     string
	Method  string
	Headers map[string]string
	Timeout time.Duration
	// Rate caps requests per second; zero means unlimited.
	Rate  float64
	Burst int
}

type HttpSink struct {
	cfg       Config
	client    *http.Client
	formatter sluice.Formatter
	limiter   *rate.Limiter
}

func NewHttpSink(cfg Config, formatter sluice.Formatter) (*HttpSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http sink requires a url")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	s := &HttpSink{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		formatter: formatter,
	}
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	return s, nil
}

func (s *HttpSink) Component() string     { return "http" }
func (s *HttpSink) PersistName() string   { return fmt.Sprintf("http(%s)", s.cfg.URL) }
func (s *HttpSink) StatsInstance() string { return fmt.Sprintf("http,%s", s.cfg.URL) }

func (s *HttpSink) Write(ctx context.Context, msg sluice.Message) error {
	if msg == nil {
		return nil
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
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

	req, err := http.NewRequestWithContext(ctx, s.cfg.Method, s.cfg.URL, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Sluice-Seq", strconv.FormatUint(uint64(sluice.SeqNum(ctx)), 10))
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

func (s *HttpSink) OnError(err error) {
	s.client.CloseIdleConnections()
}

func (s *HttpSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
