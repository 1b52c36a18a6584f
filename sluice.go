package sluice

import (
	"context"
	"sync/atomic"
	"time"
)

// Severity is the syslog severity of a message.
type Severity uint8

const (
	SevEmergency Severity = iota
	SevAlert
	SevCritical
	SevError
	SevWarning
	SevNotice
	SevInfo
	SevDebug
)

// Message is a unit of log data flowing through the pipeline.
// Content is never mutated once the message has been handed to a pipe;
// drivers only forward it, keep references to it or acknowledge it.
type Message interface {
	ID() string
	Timestamp() time.Time
	Host() string
	Program() string
	PID() string
	Facility() uint8
	Severity() Severity
	Text() []byte
	// Value returns a named value (built-in macros such as HOST or
	// PROGRAM, or any name-value pair set on the message).
	Value(name string) string
	// Values returns a copy of every name-value pair, built-ins included.
	Values() map[string]string

	// Ref takes an additional reference and returns the message.
	Ref() Message
	// Unref drops a reference; the last one releases the message.
	Unref()
	// AddAck registers a new pending completion obligation on the message.
	AddAck() *Ack
}

// Ack is a one-shot completion obligation. Signaling it tells whoever created
// it that the message was handled by the branch that carried it.
type Ack struct {
	fired atomic.Bool
	fn    func()
}

// NewAck returns an obligation that calls fn when signaled. fn may be nil for
// obligations that only the holder tracks.
func NewAck(fn func()) *Ack {
	return &Ack{fn: fn}
}

// Signal fulfils the obligation. Only the first call has an effect; it reports
// whether this call was the one that fired. Signal on a nil Ack is a no-op.
func (a *Ack) Signal() bool {
	if a == nil {
		return false
	}
	if !a.fired.CompareAndSwap(false, true) {
		return false
	}
	if a.fn != nil {
		a.fn()
	}
	return true
}

// Signaled reports whether the obligation was fulfilled.
func (a *Ack) Signaled() bool {
	return a != nil && a.fired.Load()
}

// DeliveryOptions travel with a message through one pipe.
type DeliveryOptions struct {
	// FlowControlRequested is set when an upstream window waits for Ack.
	FlowControlRequested bool
	// Ack is the obligation carried by this branch, nil when there is none.
	Ack *Ack
}

// Sink delivers messages to an external system. Write is called from the
// single worker goroutine of a threaded destination, one message at a time.
// A nil error means the message was delivered.
type Sink interface {
	Write(ctx context.Context, msg Message) error
}

// Opener is implemented by sinks that prepare resources when the worker
// starts, e.g. opening a connection.
type Opener interface {
	Open(ctx context.Context) error
}

// ErrorHandler is implemented by sinks that react to a failed Write, typically
// by dropping the connection so the next attempt reconnects.
type ErrorHandler interface {
	OnError(err error)
}

// Describer names a sink for statistics and queue persistence.
type Describer interface {
	// Component is the statistics category, e.g. "redis".
	Component() string
	// PersistName identifies the destination queue across reloads.
	PersistName() string
	// StatsInstance is the connection descriptor used in counter names.
	StatsInstance() string
}

// Formatter renders a message for a sink.
type Formatter interface {
	Format(msg Message) ([]byte, error)
}

// Logger defines the interface for logging in sluice.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type seqNumKey struct{}

// WithSeqNum stores the delivery sequence number in ctx.
func WithSeqNum(ctx context.Context, seq uint32) context.Context {
	return context.WithValue(ctx, seqNumKey{}, seq)
}

// SeqNum returns the delivery sequence number of the message being written,
// or 0 outside of a delivery.
func SeqNum(ctx context.Context) uint32 {
	seq, _ := ctx.Value(seqNumKey{}).(uint32)
	return seq
}
