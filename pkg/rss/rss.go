// Package rss provides a destination that keeps the most recent messages in
// memory and serves them as an Atom feed.
package rss

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/feeds"
	"github.com/user/sluice"
	"github.com/user/sluice/pkg/driver"
	"github.com/user/sluice/pkg/stats"
)

const DefaultBacklog = 100

type Config struct {
	// Addr is the listen address; empty means the feed is only served
	// through ServeHTTP.
	Addr    string
	Title   string
	Backlog int
}

// DestDriver is a plain, non-threaded destination. Queue appends to the
// backlog synchronously and the oldest message is evicted past Backlog.
type DestDriver struct {
	*driver.DestDriver

	cfg    Config
	logger sluice.Logger

	mu      sync.Mutex
	backlog []sluice.Message
	// id of backlog[0]; grows by one per evicted message
	offset int

	server   *http.Server
	listener net.Listener
}

func New(id string, cfg Config, reg stats.Registrar, logger sluice.Logger) *DestDriver {
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultBacklog
	}
	if cfg.Title == "" {
		cfg.Title = "sluice"
	}
	return &DestDriver{
		DestDriver: driver.NewDestDriver(id, id, reg, nil, 0),
		cfg:        cfg,
		logger:     logger,
	}
}

func (d *DestDriver) Init() error {
	if err := d.DestDriver.Init(); err != nil {
		return err
	}
	if d.cfg.Addr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", d.cfg.Addr)
	if err != nil {
		_ = d.DestDriver.Deinit()
		return fmt.Errorf("rss listen on %s: %w", d.cfg.Addr, err)
	}
	d.listener = ln
	d.server = &http.Server{Handler: d, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && d.logger != nil {
			d.logger.Error("RSS server stopped", "driver", d.ID, "error", err)
		}
	}()
	return nil
}

func (d *DestDriver) Deinit() error {
	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = d.server.Shutdown(ctx)
		cancel()
		d.server, d.listener = nil, nil
	}
	return d.DestDriver.Deinit()
}

// Addr returns the bound listen address, or nil when not listening.
func (d *DestDriver) Addr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

func (d *DestDriver) Queue(msg sluice.Message, opts sluice.DeliveryOptions) {
	d.mu.Lock()
	d.backlog = append(d.backlog, msg.Ref())
	if len(d.backlog) > d.cfg.Backlog {
		d.backlog[0].Unref()
		d.backlog[0] = nil
		d.backlog = d.backlog[1:]
		d.offset++
	}
	d.mu.Unlock()

	d.DestDriver.Queue(msg, opts)
}

func (d *DestDriver) Free() {
	d.mu.Lock()
	for _, msg := range d.backlog {
		msg.Unref()
	}
	d.backlog = nil
	d.mu.Unlock()
	d.DestDriver.Free()
}

func (d *DestDriver) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.backlog)
}

// render snapshots the backlog. Entry ids count every message the driver
// has seen, so a reader can tell which ones were evicted.
func (d *DestDriver) render(link string) *feeds.Feed {
	d.mu.Lock()
	defer d.mu.Unlock()

	f := &feeds.Feed{
		Title:   d.cfg.Title,
		Link:    &feeds.Link{Href: link},
		Id:      link,
		Updated: time.Now().UTC(),
	}
	for i, msg := range d.backlog {
		text := string(msg.Text())
		f.Items = append(f.Items, &feeds.Item{
			Title:       text,
			Link:        &feeds.Link{Href: link},
			Description: text,
			Id:          strconv.Itoa(d.offset + i),
			Created:     msg.Timestamp().UTC(),
			Updated:     msg.Timestamp().UTC(),
		})
	}
	return f
}

func (d *DestDriver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	out, err := d.render("http://" + r.Host + r.URL.Path).ToAtom()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/atom+xml")
	_, _ = w.Write([]byte(out))
}
