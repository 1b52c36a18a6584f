package file

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/user/sluice"
)

type FileSink struct {
	filename  string
	file      *os.File
	formatter sluice.Formatter
	mu        sync.Mutex
}

func NewFileSink(filename string, formatter sluice.Formatter) (*FileSink, error) {
	if filename == "" {
		return nil, fmt.Errorf("file sink requires a path")
	}
	return &FileSink{
		filename:  filename,
		formatter: formatter,
	}, nil
}

func (s *FileSink) Component() string     { return "file" }
func (s *FileSink) PersistName() string   { return fmt.Sprintf("file(%s)", s.filename) }
func (s *FileSink) StatsInstance() string { return fmt.Sprintf("file,%s", s.filename) }

func (s *FileSink) ensureConnected() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		return nil
	}

	f, err := os.OpenFile(s.filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}

	s.file = f
	return nil
}

func (s *FileSink) Open(ctx context.Context) error {
	return s.ensureConnected()
}

func (s *FileSink) Write(ctx context.Context, msg sluice.Message) error {
	if msg == nil {
		return nil
	}
	if err := s.ensureConnected(); err != nil {
		return err
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

	s.mu.Lock()
	defer s.mu.Unlock()

	line := make([]byte, 0, len(data)+1)
	line = append(append(line, data...), '\n')
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("failed to write to file: %w", err)
	}
	return nil
}

// OnError closes the file so the next Write reopens it, e.g. after the file
// was rotated away.
func (s *FileSink) OnError(err error) {
	_ = s.Close()
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
