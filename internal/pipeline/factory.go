package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/user/sluice"
	"github.com/user/sluice/internal/config"
	"github.com/user/sluice/pkg/driver"
	"github.com/user/sluice/pkg/engine"
	jsonfmt "github.com/user/sluice/pkg/formatter/json"
	"github.com/user/sluice/pkg/rss"
	sinkamqp "github.com/user/sluice/pkg/sink/amqp"
	"github.com/user/sluice/pkg/sink/beats"
	"github.com/user/sluice/pkg/sink/elasticsearch"
	"github.com/user/sluice/pkg/sink/file"
	sinkhttp "github.com/user/sluice/pkg/sink/http"
	sinkkafka "github.com/user/sluice/pkg/sink/kafka"
	sinkmongodb "github.com/user/sluice/pkg/sink/mongodb"
	sinknats "github.com/user/sluice/pkg/sink/nats"
	sinkredis "github.com/user/sluice/pkg/sink/redis"
	sinksql "github.com/user/sluice/pkg/sink/sql"
	"github.com/user/sluice/pkg/sink/stdout"
	"github.com/user/sluice/pkg/sink/websocket"
	"github.com/user/sluice/pkg/source/stream"
	"github.com/user/sluice/pkg/source/udp"
	"github.com/user/sluice/pkg/stats"
)

// Source is an input collector: a pipe that produces messages on its own.
type Source interface {
	driver.Pipe
	SetLogger(sluice.Logger)
}

// Factory builds drivers from configuration.
type Factory struct {
	Options config.Options
	Stats   *stats.Registry
	Queues  *driver.QueueRegistry
	Logger  sluice.Logger
	// Clock drives destination backoff; nil means the real clock.
	Clock clockwork.Clock
}

func (f *Factory) registrar() stats.Registrar {
	if f.Stats == nil {
		return nil
	}
	return f.Stats
}

func (f *Factory) NewSource(cfg config.Driver) (Source, error) {
	p := cfg.Params
	window, err := p.Int("window", 0)
	if err != nil {
		return nil, err
	}
	maxSize, err := p.Int("max_msg_size", 0)
	if err != nil {
		return nil, err
	}

	var src Source
	switch cfg.Type {
	case "stream", "tcp", "unix":
		network := p.String("network", cfg.Type)
		if network == "stream" {
			network = "tcp"
		}
		src, err = stream.New(cfg.ID, cfg.ID, stream.Config{
			Network:    network,
			Addr:       p.String("addr", ""),
			Window:     window,
			MaxMsgSize: maxSize,
		}, f.registrar())
	case "udp":
		src, err = udp.New(cfg.ID, cfg.ID, udp.Config{
			Addr:       p.String("addr", ""),
			Window:     window,
			MaxMsgSize: maxSize,
		}, f.registrar())
	default:
		return nil, fmt.Errorf("source %s: %w %q", cfg.ID, config.ErrUnknownType, cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", cfg.ID, err)
	}
	if f.Logger != nil {
		src.SetLogger(f.Logger)
	}
	return src, nil
}

// NewDestination builds the pipe for a destination: a threaded driver
// around a sink, or a plain driver for types that deliver synchronously.
func (f *Factory) NewDestination(cfg config.Destination) (driver.Pipe, error) {
	if cfg.Type == "rss" {
		backlog, err := cfg.Params.Int("backlog", rss.DefaultBacklog)
		if err != nil {
			return nil, fmt.Errorf("destination %s: %w", cfg.ID, err)
		}
		return rss.New(cfg.ID, rss.Config{
			Addr:    cfg.Params.String("addr", ""),
			Title:   cfg.Params.String("title", ""),
			Backlog: backlog,
		}, f.registrar(), f.Logger), nil
	}

	sink, err := f.NewSink(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("destination %s: %w", cfg.ID, err)
	}

	throttle, err := cfg.Params.Float("throttle", 0)
	if err != nil {
		return nil, fmt.Errorf("destination %s: %w", cfg.ID, err)
	}
	if throttle < 0 {
		return nil, fmt.Errorf("destination %s: throttle must not be negative", cfg.ID)
	}

	opts := []engine.Option{
		engine.WithTimeReopen(f.Options.TimeReopenDuration()),
		engine.WithFifoSize(cfg.LogFifoSize),
		engine.WithThrottle(throttle),
	}
	if f.Logger != nil {
		opts = append(opts, engine.WithLogger(f.Logger))
	}
	if f.Clock != nil {
		opts = append(opts, engine.WithClock(f.Clock))
	}
	if reg := f.registrar(); reg != nil {
		opts = append(opts, engine.WithStats(reg))
	}
	if f.Queues != nil {
		opts = append(opts, engine.WithPersist(f.Queues))
	}
	return engine.New(cfg.ID, sink, opts...), nil
}

func formatter(p config.Params) (sluice.Formatter, error) {
	format := p.String("format", "")
	if format == "" {
		return nil, nil
	}
	mode, err := jsonfmt.ParseMode(strings.TrimPrefix(strings.TrimPrefix(format, "json"), "-"))
	if err != nil {
		return nil, err
	}
	f := jsonfmt.NewJSONFormatter()
	f.SetMode(mode)
	return f, nil
}

// NewSink builds the delivery callback of a threaded destination.
func (f *Factory) NewSink(cfg config.Driver) (sluice.Sink, error) {
	p := cfg.Params
	fmttr, err := formatter(p)
	if err != nil {
		return nil, err
	}

	var perr []error
	intp := func(key string, def int) int {
		v, err := p.Int(key, def)
		if err != nil {
			perr = append(perr, err)
		}
		return v
	}
	boolp := func(key string, def bool) bool {
		v, err := p.Bool(key, def)
		if err != nil {
			perr = append(perr, err)
		}
		return v
	}
	durp := func(key string) time.Duration {
		v, err := p.Duration(key, 0)
		if err != nil {
			perr = append(perr, err)
		}
		return v
	}

	var sink sluice.Sink
	switch cfg.Type {
	case "file":
		sink, err = file.NewFileSink(p.String("path", ""), fmttr)
	case "stdout":
		s := stdout.NewStdoutSink(fmttr)
		if f.Logger != nil {
			s.SetLogger(f.Logger)
		}
		sink = s
	case "redis":
		sink, err = sinkredis.NewRedisSink(sinkredis.Config{
			Host:     p.String("host", ""),
			Port:     intp("port", 0),
			Password: p.String("password", ""),
			DB:       intp("db", 0),
			Mode:     p.String("mode", ""),
			Stream:   p.String("stream", ""),
			Command:  p.String("command", ""),
			Prefix:   p.String("prefix", ""),
			Values:   p.List("values"),
		}, fmttr)
	case "mongodb":
		sink, err = sinkmongodb.NewMongoDBSink(sinkmongodb.Config{
			Servers:    p.List("servers"),
			Database:   p.String("database", ""),
			Collection: p.String("collection", ""),
			Values:     p.List("values"),
			Timeout:    durp("timeout"),
		})
	case "nats":
		sink, err = sinknats.NewNatsSink(sinknats.Config{
			URL:       p.String("url", ""),
			Subject:   p.String("subject", ""),
			Username:  p.String("username", ""),
			Password:  p.String("password", ""),
			Token:     p.String("token", ""),
			JetStream: boolp("jetstream", false),
			Timeout:   durp("timeout"),
		}, fmttr)
	case "amqp", "stomp":
		sink, err = sinkamqp.NewAMQPSink(sinkamqp.Config{
			Host:       p.String("host", ""),
			Port:       intp("port", 0),
			User:       p.String("username", ""),
			Password:   p.String("password", ""),
			VHost:      p.String("vhost", ""),
			Exchange:   p.String("exchange", ""),
			RoutingKey: p.String("routing_key", ""),
			Persistent: boolp("persistent", true),
			Ack:        boolp("ack", false),
			Headers:    p.List("headers"),
		}, fmttr)
	case "kafka":
		sink, err = sinkkafka.NewKafkaSink(sinkkafka.Config{
			Brokers:  p.List("brokers"),
			Topic:    p.String("topic", ""),
			Username: p.String("username", ""),
			Password: p.String("password", ""),
			Timeout:  durp("timeout"),
		}, fmttr)
	case "beats":
		sink, err = beats.NewBeatsSink(beats.Config{
			Endpoint:    p.String("endpoint", ""),
			Compression: intp("compression", 0),
			Timeout:     durp("timeout"),
		})
	case "elasticsearch":
		sink, err = elasticsearch.NewElasticsearchSink(elasticsearch.Config{
			Addresses: p.List("addresses"),
			Username:  p.String("username", ""),
			Password:  p.String("password", ""),
			APIKey:    p.String("api_key", ""),
			Index:     p.String("index", ""),
		}, fmttr)
	case "sql":
		sink, err = sinksql.NewSQLSink(sinksql.Config{
			Driver:      p.String("driver", ""),
			DSN:         p.String("dsn", ""),
			Table:       p.String("table", ""),
			Columns:     columns(p.List("columns")),
			CreateTable: boolp("create_table", false),
		})
	case "http":
		rate, rerr := p.Float("rate", 0)
		if rerr != nil {
			perr = append(perr, rerr)
		}
		sink, err = sinkhttp.NewHttpSink(sinkhttp.Config{
			URL:     p.String("url", ""),
			Method:  p.String("method", ""),
			Headers: p.Map("headers"),
			Timeout: durp("timeout"),
			Rate:    rate,
			Burst:   intp("burst", 0),
		}, fmttr)
	case "websocket":
		sink, err = websocket.New(websocket.Config{
			URL:            p.String("url", ""),
			Headers:        p.Map("headers"),
			Subprotocols:   p.List("subprotocols"),
			ConnectTimeout: durp("connect_timeout"),
			WriteTimeout:   durp("write_timeout"),
			RequireAck:     boolp("require_ack", false),
			PinSHA256:      p.String("pin_sha256", ""),
		}, fmttr)
	default:
		return nil, fmt.Errorf("%w %q", config.ErrUnknownType, cfg.Type)
	}
	if len(perr) > 0 {
		return nil, perr[0]
	}
	if err != nil {
		return nil, err
	}
	return sink, nil
}

// columns parses "name=VALUE" items; a bare name uses its upper-case form
// as the value.
func columns(items []string) []sinksql.Column {
	var cols []sinksql.Column
	for _, item := range items {
		name, value, ok := strings.Cut(item, "=")
		if !ok {
			value = strings.ToUpper(name)
		}
		cols = append(cols, sinksql.Column{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}
	return cols
}
