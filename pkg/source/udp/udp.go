// Package udp collects syslog messages from UDP datagrams, one message per
// datagram.
package udp

import (
	"bytes"
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
	Addr       string
	Window     int
	MaxMsgSize int
}

type Source struct {
	*driver.SrcDriver

	cfg    Config
	logger sluice.Logger
	window *semaphore.Weighted

	conn   net.PacketConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(id, group string, cfg Config, reg stats.Registrar) (*Source, error) {
	if cfg.Addr == "" {
		return nil, errors.New("udp source requires an address")
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
		window:    semaphore.NewWeighted(int64(cfg.Window)),
	}, nil
}

func (s *Source) SetLogger(logger sluice.Logger) {
	s.logger = logger
}

func (s *Source) Init() error {
	if err := s.SrcDriver.Init(); err != nil {
		return err
	}
	conn, err := net.ListenPacket("udp", s.cfg.Addr)
	if err != nil {
		_ = s.SrcDriver.Deinit()
		return fmt.Errorf("udp source listen on %s: %w", s.cfg.Addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.cancel = cancel

	s.wg.Add(1)
	go s.read(ctx)
	return nil
}

func (s *Source) Deinit() error {
	if s.cancel != nil {
		s.cancel()
		_ = s.conn.Close()
		s.wg.Wait()
		s.cancel = nil
	}
	return s.SrcDriver.Deinit()
}

func (s *Source) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

func (s *Source) read(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, s.cfg.MaxMsgSize)
	for {
		// datagrams arriving while the window is full queue up in the
		// socket buffer and are lost once it overflows
		if err := s.window.Acquire(ctx, 1); err != nil {
			return
		}
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			s.window.Release(1)
			if ctx.Err() == nil && s.logger != nil {
				s.logger.Error("Error reading udp datagram", "driver", s.ID, "error", err)
			}
			return
		}
		line := bytes.TrimRight(buf[:n], "\r\n\x00")
		if len(line) == 0 {
			s.window.Release(1)
			continue
		}

		msg := message.Parse(line)
		msg.SetValue("SOURCE", s.Group)
		msg.SetAckFunc(func() { s.window.Release(1) })
		s.SrcDriver.Queue(msg, sluice.DeliveryOptions{Ack: msg.AddAck()})
	}
}
