// Package logqueue holds messages between the pipeline and a destination's
// delivery worker.
package logqueue

import (
	"errors"

	"github.com/user/sluice"
	"github.com/user/sluice/pkg/stats"
)

var ErrQueueFull = errors.New("queue is full")

// Queue is an ordered sequence of messages with their delivery options.
// Every pushed message carries one reference that the queue owns until the
// message is popped, dropped or freed.
type Queue interface {
	// PushTail appends msg. It reports false if the queue dropped it; a
	// flow-controlled message is never dropped.
	PushTail(msg sluice.Message, opts sluice.DeliveryOptions) bool
	// PushHead puts msg back in front, e.g. after a failed delivery.
	PushHead(msg sluice.Message, opts sluice.DeliveryOptions)
	// PopHead removes the first message. It never blocks.
	PopHead() (sluice.Message, sluice.DeliveryOptions, bool)
	Len() int

	// ArmWake registers fn to be called once by the next successful PushTail.
	ArmWake(fn func())
	DisarmWake()

	// SetCounters attaches the counters the queue updates itself. Passing
	// nil detaches them.
	SetCounters(stored, dropped *stats.Counter)

	PersistName() string
	// KeepOnReload reports whether the queue should be retained in the
	// persistence registry when its driver releases it.
	KeepOnReload() bool
	// Free drops every remaining message.
	Free()
}
