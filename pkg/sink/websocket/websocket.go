package websocket

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/user/sluice"
)

type Config struct {
	URL            string
	Headers        map[string]string
	Subprotocols   []string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// RequireAck makes Write wait for a {"ack":"<id>","ok":true} frame.
	RequireAck bool
	TLS        *tls.Config
	// PinSHA256 is the base64 SHA-256 of the expected peer certificate.
	PinSHA256 string
}

// Sink writes one text frame per message over a websocket it dials itself.
type Sink struct {
	mu   sync.Mutex
	conn *websocket.Conn

	cfg       Config
	dialer    websocket.Dialer
	formatter sluice.Formatter
}

func New(cfg Config, formatter sluice.Formatter) (*Sink, error) {
	if cfg.URL == "" {
		return nil, errors.New("websocket sink requires a url")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Sink{
		cfg:       cfg,
		dialer:    websocket.Dialer{Subprotocols: cfg.Subprotocols, TLSClientConfig: cfg.TLS},
		formatter: formatter,
	}, nil
}

func (s *Sink) Component() string     { return "websocket" }
func (s *Sink) PersistName() string   { return fmt.Sprintf("websocket(%s)", s.cfg.URL) }
func (s *Sink) StatsInstance() string { return fmt.Sprintf("websocket,%s", s.cfg.URL) }

func (s *Sink) ensureConn(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}
	hdr := http.Header{}
	for k, v := range s.cfg.Headers {
		hdr.Set(k, v)
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	c, _, err := s.dialer.DialContext(cctx, s.cfg.URL, hdr)
	if err != nil {
		return err
	}
	if s.cfg.PinSHA256 != "" {
		if err := checkPin(c, s.cfg.PinSHA256); err != nil {
			_ = c.Close()
			return err
		}
	}
	s.conn = c
	return nil
}

func checkPin(c *websocket.Conn, pin string) error {
	tc, ok := c.UnderlyingConn().(*tls.Conn)
	if !ok {
		return errors.New("websocket tls pin set on a plain connection")
	}
	st := tc.ConnectionState()
	if len(st.PeerCertificates) == 0 {
		return errors.New("websocket peer sent no certificate")
	}
	sum := sha256.Sum256(st.PeerCertificates[0].Raw)
	if base64.StdEncoding.EncodeToString(sum[:]) != pin {
		return errors.New("websocket tls pin mismatch")
	}
	return nil
}

func (s *Sink) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureConn(ctx)
}

func (s *Sink) Write(ctx context.Context, msg sluice.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConn(ctx); err != nil {
		return err
	}

	var payload []byte
	var err error
	if s.formatter != nil {
		payload, err = s.formatter.Format(msg)
		if err != nil {
			return err
		}
	} else {
		payload = msg.Text()
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return err
	}

	if s.cfg.RequireAck {
		return s.readAck(msg.ID())
	}
	return nil
}

func (s *Sink) readAck(id string) error {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.WriteTimeout))
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return err
	}
	var a struct {
		Ack   string `json:"ack"`
		Ok    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if !a.Ok || strings.TrimSpace(a.Ack) != id {
		if a.Error != "" {
			return errors.New(a.Error)
		}
		return errors.New("websocket sink: ack failed or mismatched id")
	}
	return nil
}

// OnError drops the connection; the next Write dials again.
func (s *Sink) OnError(err error) {
	_ = s.Close()
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
