package json

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/user/sluice"
)

type JSONMode string

const (
	// ModeFull renders the message with its header fields and values.
	ModeFull JSONMode = "full"
	// ModeText renders the message text only, unquoted.
	ModeText JSONMode = "text"
	// ModeValues renders every name-value pair as a flat object.
	ModeValues JSONMode = "values"
)

var ErrNilMessage = errors.New("cannot format a nil message")

type JSONFormatter struct {
	Mode JSONMode
}

var _ sluice.Formatter = (*JSONFormatter)(nil)

func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{Mode: ModeFull}
}

func (f *JSONFormatter) SetMode(mode JSONMode) {
	f.Mode = mode
}

// ParseMode maps a configuration string to a mode; empty means full.
func ParseMode(s string) (JSONMode, error) {
	switch JSONMode(s) {
	case "", ModeFull:
		return ModeFull, nil
	case ModeText, ModeValues:
		return JSONMode(s), nil
	default:
		return "", fmt.Errorf("unknown json mode %q", s)
	}
}

func (f *JSONFormatter) Format(msg sluice.Message) ([]byte, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}

	switch f.Mode {
	case ModeText:
		return append([]byte(nil), msg.Text()...), nil
	case ModeValues:
		data, err := json.Marshal(msg.Values())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message values to JSON: %w", err)
		}
		return data, nil
	}

	// Default formatting uses the message's standard JSON representation
	if marshaler, ok := msg.(json.Marshaler); ok {
		return marshaler.MarshalJSON()
	}

	// Fallback for other message implementations
	data, err := json.Marshal(map[string]interface{}{
		"id":        msg.ID(),
		"timestamp": msg.Timestamp(),
		"host":      msg.Host(),
		"program":   msg.Program(),
		"message":   string(msg.Text()),
		"values":    msg.Values(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message to JSON: %w", err)
	}
	return data, nil
}
