package stdout

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/user/sluice"
)

type StdoutSink struct {
	formatter sluice.Formatter
	logger    sluice.Logger
	out       io.Writer
}

func NewStdoutSink(formatter sluice.Formatter) *StdoutSink {
	return &StdoutSink{
		formatter: formatter,
		out:       os.Stdout,
	}
}

func (s *StdoutSink) SetLogger(l sluice.Logger) {
	s.logger = l
}

func (s *StdoutSink) SetOutput(w io.Writer) {
	s.out = w
}

func (s *StdoutSink) Component() string     { return "stdout" }
func (s *StdoutSink) PersistName() string   { return "stdout()" }
func (s *StdoutSink) StatsInstance() string { return "stdout" }

func (s *StdoutSink) Write(ctx context.Context, msg sluice.Message) error {
	if msg == nil {
		return nil
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

	output := string(data)
	if _, err := fmt.Fprintln(s.out, output); err != nil {
		return fmt.Errorf("failed to write to stdout: %w", err)
	}

	if s.logger != nil {
		s.logger.Debug("Message written", "seq_num", sluice.SeqNum(ctx))
	}
	return nil
}
