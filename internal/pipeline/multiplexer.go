package pipeline

import (
	"github.com/user/sluice"
	"github.com/user/sluice/pkg/driver"
)

type branch struct {
	pipe        driver.Pipe
	flowControl bool
}

// Multiplexer fans every message out to its branches. The incoming
// obligation completes only once each branch has completed its own.
type Multiplexer struct {
	driver.Driver
	branches []branch
}

func NewMultiplexer(id string) *Multiplexer {
	return &Multiplexer{Driver: driver.Driver{ID: id, Group: id}}
}

func (m *Multiplexer) AddBranch(pipe driver.Pipe, flowControl bool) {
	m.branches = append(m.branches, branch{pipe: pipe, flowControl: flowControl})
}

func (m *Multiplexer) Len() int {
	return len(m.branches)
}

func (m *Multiplexer) Queue(msg sluice.Message, opts sluice.DeliveryOptions) {
	for _, b := range m.branches {
		b.pipe.Queue(msg.Ref(), sluice.DeliveryOptions{
			FlowControlRequested: b.flowControl,
			Ack:                  msg.AddAck(),
		})
	}
	opts.Ack.Signal()
	msg.Unref()
}
