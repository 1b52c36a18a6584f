// Package stream collects newline-delimited syslog messages from TCP or unix
// stream connections.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/user/sluice"
	"github.com/user/sluice/pkg/driver"
	"github.com/user/sluice/pkg/message"
	"github.com/user/sluice/pkg/stats"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultWindow     = 100
	DefaultMaxMsgSize = 65536
)

type Config struct {
	// Network is "tcp" (default) or "unix".
	Network string
	Addr    string
	// Window is the number of unacknowledged messages a connection may have
	// in flight before reading pauses.
	Window     int
	MaxMsgSize int
}

type Source struct {
	*driver.SrcDriver

	cfg    Config
	logger sluice.Logger

	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func New(id, group string, cfg Config, reg stats.Registrar) (*Source, error) {
	if cfg.Addr == "" {
		return nil, errors.New("stream source requires an address")
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.Network != "tcp" && cfg.Network != "unix" {
		return nil, fmt.Errorf("unsupported stream network %q", cfg.Network)
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxMsgSize <= 0 {
		cfg.MaxMsgSize = DefaultMaxMsgSize
	}
	return &Source{
		SrcDriver: driver.NewSrcDriver(id, group, reg),
		cfg:       cfg,
		conns:     make(map[net.Conn]struct{}),
	}, nil
}

func (s *Source) SetLogger(logger sluice.Logger) {
	s.logger = logger
}

func (s *Source) Init() error {
	if err := s.SrcDriver.Init(); err != nil {
		return err
	}
	ln, err := net.Listen(s.cfg.Network, s.cfg.Addr)
	if err != nil {
		_ = s.SrcDriver.Deinit()
		return fmt.Errorf("stream source listen on %s: %w", s.cfg.Addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.ln = ln
	s.cancel = cancel

	s.wg.Add(1)
	go s.accept(ctx)
	return nil
}

func (s *Source) Deinit() error {
	if s.cancel != nil {
		s.cancel()
		_ = s.ln.Close()
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		s.cancel = nil
	}
	return s.SrcDriver.Deinit()
}

// Addr returns the bound listen address, or nil before Init.
func (s *Source) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Source) accept(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() == nil && s.logger != nil {
				s.logger.Error("Error accepting stream connection", "driver", s.ID, "error", err)
			}
			return
		}

		s.mu.Lock()
		// Deinit cancels before it closes the registered conns
		if ctx.Err() != nil {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(ctx, conn)
	}
}

func (s *Source) serve(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	if s.logger != nil {
		s.logger.Debug("Stream connection accepted", "driver", s.ID, "peer", conn.RemoteAddr().String())
	}

	window := semaphore.NewWeighted(int64(s.cfg.Window))
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), s.cfg.MaxMsgSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// blocks once Window messages are unacknowledged
		if err := window.Acquire(ctx, 1); err != nil {
			return
		}
		s.Queue(s.build(line, window), sluice.DeliveryOptions{})
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && s.logger != nil {
		s.logger.Warn("Error reading stream connection", "driver", s.ID, "error", err)
	}
}

// build parses line into a message whose completion returns its window slot.
func (s *Source) build(line []byte, window *semaphore.Weighted) *message.LogMessage {
	msg := message.Parse(line)
	msg.SetValue("SOURCE", s.Group)
	msg.SetAckFunc(func() { window.Release(1) })
	return msg
}

// Queue hands msg to the pipeline carrying the collector's obligation.
func (s *Source) Queue(msg sluice.Message, opts sluice.DeliveryOptions) {
	if opts.Ack == nil {
		opts.Ack = msg.AddAck()
	}
	s.SrcDriver.Queue(msg, opts)
}
