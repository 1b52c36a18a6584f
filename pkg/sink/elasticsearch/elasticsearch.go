package elasticsearch

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/user/sluice"
)

type Config struct {
	Addresses []string
	Username  string
	Password  string
	APIKey    string
	// Index may reference message values, e.g. "logs-{{.PROGRAM}}".
	Index string
}

type ElasticsearchSink struct {
	cfg       Config
	client    *elasticsearch.Client
	index     *template.Template
	formatter sluice.Formatter
}

func NewElasticsearchSink(cfg Config, formatter sluice.Formatter) (*ElasticsearchSink, error) {
	if len(cfg.Addresses) == 0 {
		cfg.Addresses = []string{"http://127.0.0.1:9200"}
	}
	if cfg.Index == "" {
		cfg.Index = "syslog"
	}
	tmpl, err := template.New("index").Option("missingkey=zero").Parse(cfg.Index)
	if err != nil {
		return nil, fmt.Errorf("invalid index template %q: %w", cfg.Index, err)
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	return &ElasticsearchSink{
		cfg:       cfg,
		client:    client,
		index:     tmpl,
		formatter: formatter,
	}, nil
}

func (s *ElasticsearchSink) Component() string { return "elasticsearch" }

func (s *ElasticsearchSink) PersistName() string {
	return fmt.Sprintf("elasticsearch(%s,%s)", strings.Join(s.cfg.Addresses, ","), s.cfg.Index)
}

func (s *ElasticsearchSink) StatsInstance() string {
	return fmt.Sprintf("elasticsearch,%s,%s", strings.Join(s.cfg.Addresses, ","), s.cfg.Index)
}

func (s *ElasticsearchSink) renderIndex(msg sluice.Message) (string, error) {
	var buf bytes.Buffer
	if err := s.index.Execute(&buf, msg.Values()); err != nil {
		return "", err
	}
	return strings.ToLower(buf.String()), nil
}

// Write indexes msg under its id, so a retried delivery overwrites the same
// document.
func (s *ElasticsearchSink) Write(ctx context.Context, msg sluice.Message) error {
	if msg == nil {
		return nil
	}
	index, err := s.renderIndex(msg)
	if err != nil {
		return fmt.Errorf("failed to render index: %w", err)
	}

	var data []byte
	if s.formatter != nil {
		data, err = s.formatter.Format(msg)
		if err != nil {
			return fmt.Errorf("failed to format message: %w", err)
		}
	} else {
		data = msg.Text()
	}

	req := esapi.IndexRequest{
		Index:      index,
		DocumentID: msg.ID(),
		Body:       bytes.NewReader(data),
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("failed to execute elasticsearch request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch request error: %s", res.String())
	}
	return nil
}

func (s *ElasticsearchSink) Open(ctx context.Context) error {
	res, err := s.client.Info(s.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to reach elasticsearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch info error: %s", res.String())
	}
	return nil
}
