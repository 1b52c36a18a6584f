package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrUnknownType = errors.New("unknown driver type")

const (
	DefaultTimeReopen  = 60
	DefaultLogFifoSize = 10000
	DefaultStatsAddr   = ":9102"
)

type Config struct {
	Options      Options       `json:"options" yaml:"options"`
	Sources      []Driver      `json:"sources" yaml:"sources"`
	Destinations []Destination `json:"destinations" yaml:"destinations"`
	Logs         []LogPath     `json:"logs" yaml:"logs"`
}

type Options struct {
	// TimeReopen is the delivery retry backoff in seconds.
	TimeReopen  int     `json:"time_reopen" yaml:"time_reopen"`
	LogFifoSize int     `json:"log_fifo_size" yaml:"log_fifo_size"`
	StatsAddr   *string `json:"stats_addr" yaml:"stats_addr"`
	LogLevel    string  `json:"log_level" yaml:"log_level"`
	OTLP        OTLP    `json:"otlp" yaml:"otlp"`
}

// OTLP configures trace export; an empty endpoint disables it.
type OTLP struct {
	Endpoint    string            `json:"endpoint" yaml:"endpoint"`
	Protocol    string            `json:"protocol" yaml:"protocol"`
	Insecure    bool              `json:"insecure" yaml:"insecure"`
	ServiceName string            `json:"service_name" yaml:"service_name"`
	Headers     map[string]string `json:"headers" yaml:"headers"`
}

type Driver struct {
	ID     string `json:"id" yaml:"id"`
	Type   string `json:"type" yaml:"type"`
	Params Params `json:"params" yaml:"params"`
}

type Destination struct {
	Driver      `json:",inline" yaml:",inline"`
	LogFifoSize int `json:"log_fifo_size" yaml:"log_fifo_size"`
}

type LogPath struct {
	Sources      []string `json:"sources" yaml:"sources"`
	Destinations []string `json:"destinations" yaml:"destinations"`
	FlowControl  bool     `json:"flow_control" yaml:"flow_control"`
}

func (o Options) TimeReopenDuration() time.Duration {
	return time.Duration(o.TimeReopen) * time.Second
}

// StatsListen returns the status server address; empty disables it.
func (o Options) StatsListen() string {
	if o.StatsAddr == nil {
		return DefaultStatsAddr
	}
	return *o.StatsAddr
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&cfg); err != nil {
		// Try JSON if YAML fails
		cfg = Config{}
		if err := json.NewDecoder(bytes.NewReader(data)).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file (tried YAML and JSON): %w", err)
		}
	}
	cfg.applyDefaults()
	cfg.expandEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Options.TimeReopen <= 0 {
		c.Options.TimeReopen = DefaultTimeReopen
	}
	if c.Options.LogFifoSize <= 0 {
		c.Options.LogFifoSize = DefaultLogFifoSize
	}
	if c.Options.LogLevel == "" {
		c.Options.LogLevel = "info"
	}
	for i := range c.Destinations {
		if c.Destinations[i].LogFifoSize <= 0 {
			c.Destinations[i].LogFifoSize = c.Options.LogFifoSize
		}
	}
}

func (c *Config) expandEnv() {
	for i := range c.Sources {
		c.Sources[i].Params.expandEnv()
	}
	for i := range c.Destinations {
		c.Destinations[i].Params.expandEnv()
	}
}

// Validate checks ids are unique and every log path references known drivers.
func (c *Config) Validate() error {
	var errs []error
	sources := make(map[string]bool)
	for _, s := range c.Sources {
		if s.ID == "" || s.Type == "" {
			errs = append(errs, fmt.Errorf("source %q: id and type are required", s.ID))
			continue
		}
		if sources[s.ID] {
			errs = append(errs, fmt.Errorf("duplicate source id %q", s.ID))
		}
		sources[s.ID] = true
	}
	dests := make(map[string]bool)
	for _, d := range c.Destinations {
		if d.ID == "" || d.Type == "" {
			errs = append(errs, fmt.Errorf("destination %q: id and type are required", d.ID))
			continue
		}
		if dests[d.ID] {
			errs = append(errs, fmt.Errorf("duplicate destination id %q", d.ID))
		}
		dests[d.ID] = true
	}
	for i, l := range c.Logs {
		if len(l.Sources) == 0 || len(l.Destinations) == 0 {
			errs = append(errs, fmt.Errorf("log path %d: needs at least one source and one destination", i))
		}
		for _, id := range l.Sources {
			if !sources[id] {
				errs = append(errs, fmt.Errorf("log path %d: unknown source %q", i, id))
			}
		}
		for _, id := range l.Destinations {
			if !dests[id] {
				errs = append(errs, fmt.Errorf("log path %d: unknown destination %q", i, id))
			}
		}
	}
	return errors.Join(errs...)
}

// Params are the driver-specific settings. Values are strings; lists are
// comma separated.
type Params map[string]string

func (p Params) expandEnv() {
	for k, v := range p {
		p[k] = os.ExpandEnv(v)
	}
}

func (p Params) String(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return n, nil
}

func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("param %s: %w", key, err)
	}
	return b, nil
}

func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return f, nil
}

func (p Params) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return d, nil
}

func (p Params) List(key string) []string {
	v := p[key]
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Map collects every "<prefix>.<name>" param into name -> value.
func (p Params) Map(prefix string) map[string]string {
	out := make(map[string]string)
	for k, v := range p {
		if name, ok := strings.CutPrefix(k, prefix+"."); ok && name != "" {
			out[name] = v
		}
	}
	return out
}
