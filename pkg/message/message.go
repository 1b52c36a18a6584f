package message

import (
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/user/sluice"
)

// Names of the built-in values every LogMessage exposes through Value.
const (
	ValueHost     = "HOST"
	ValueProgram  = "PROGRAM"
	ValuePID      = "PID"
	ValueMessage  = "MESSAGE"
	ValueFacility = "FACILITY"
	ValueLevel    = "LEVEL"
	ValueDate     = "DATE"
	ValueMsgID    = "MSGID"
	ValueSource   = "SOURCE"
)

var facilityNames = []string{
	"kern", "user", "mail", "daemon", "auth", "syslog", "lpr", "news",
	"uucp", "cron", "authpriv", "ftp", "ntp", "security", "console", "solaris-cron",
	"local0", "local1", "local2", "local3", "local4", "local5", "local6", "local7",
}

var severityNames = []string{
	"emerg", "alert", "crit", "err", "warning", "notice", "info", "debug",
}

// FacilityName returns the symbolic name of a syslog facility code.
func FacilityName(f uint8) string {
	if int(f) < len(facilityNames) {
		return facilityNames[f]
	}
	return strconv.Itoa(int(f))
}

// SeverityName returns the symbolic name of a syslog severity.
func SeverityName(s sluice.Severity) string {
	if int(s) < len(severityNames) {
		return severityNames[s]
	}
	return strconv.Itoa(int(s))
}

// LogMessage is the concrete sluice.Message.
// It uses a sync.Pool to minimize allocations; the pool only sees a message
// once its last reference is dropped.
type LogMessage struct {
	id        string
	timestamp time.Time
	host      string
	program   string
	pid       string
	facility  uint8
	severity  sluice.Severity
	text      []byte
	values    map[string]string

	refs    atomic.Int32
	pending atomic.Int32
	ackFn   func()
}

var _ sluice.Message = (*LogMessage)(nil)

func (m *LogMessage) ID() string {
	return m.id
}

func (m *LogMessage) Timestamp() time.Time {
	return m.timestamp
}

func (m *LogMessage) Host() string {
	return m.host
}

func (m *LogMessage) Program() string {
	return m.program
}

func (m *LogMessage) PID() string {
	return m.pid
}

func (m *LogMessage) Facility() uint8 {
	return m.facility
}

func (m *LogMessage) Severity() sluice.Severity {
	return m.severity
}

func (m *LogMessage) Text() []byte {
	return m.text
}

func (m *LogMessage) Value(name string) string {
	switch name {
	case ValueHost:
		return m.host
	case ValueProgram:
		return m.program
	case ValuePID:
		return m.pid
	case ValueMessage:
		return string(m.text)
	case ValueFacility:
		return FacilityName(m.facility)
	case ValueLevel:
		return SeverityName(m.severity)
	case ValueDate:
		return m.timestamp.Format(time.RFC3339)
	case ValueMsgID:
		return m.id
	}
	return m.values[name]
}

func (m *LogMessage) Values() map[string]string {
	res := make(map[string]string, len(m.values)+8)
	for k, v := range m.values {
		res[k] = v
	}
	for _, name := range []string{ValueDate, ValueFacility, ValueLevel, ValueHost, ValueProgram, ValuePID, ValueMessage} {
		if v := m.Value(name); v != "" {
			res[name] = v
		}
	}
	return res
}

// Ref takes an additional reference.
func (m *LogMessage) Ref() sluice.Message {
	m.refs.Add(1)
	return m
}

// Unref drops a reference. The message goes back to the pool when the last
// reference is gone.
func (m *LogMessage) Unref() {
	n := m.refs.Add(-1)
	if n == 0 {
		releaseMessage(m)
		return
	}
	if n < 0 {
		panic("message: Unref of a released message")
	}
}

// Refs returns the current reference count.
func (m *LogMessage) Refs() int32 {
	return m.refs.Load()
}

// SetAckFunc sets the callback invoked when every obligation registered with
// AddAck has been signaled. Sources use it to advance their window.
func (m *LogMessage) SetAckFunc(fn func()) {
	m.ackFn = fn
}

// AddAck registers a new pending obligation. The returned Ack decrements the
// pending count when signaled; the ack callback runs when it reaches zero.
// The holder must signal it before dropping the reference that carried it.
func (m *LogMessage) AddAck() *sluice.Ack {
	m.pending.Add(1)
	return sluice.NewAck(m.ackOne)
}

// PendingAcks returns the number of obligations not yet signaled.
func (m *LogMessage) PendingAcks() int32 {
	return m.pending.Load()
}

func (m *LogMessage) ackOne() {
	if m.pending.Add(-1) == 0 && m.ackFn != nil {
		m.ackFn()
	}
}

// Clone returns an independent copy with its own reference and no pending acks.
func (m *LogMessage) Clone() *LogMessage {
	clone := acquireMessage()
	clone.id = m.id
	clone.timestamp = m.timestamp
	clone.host = m.host
	clone.program = m.program
	clone.pid = m.pid
	clone.facility = m.facility
	clone.severity = m.severity
	clone.text = append(clone.text[:0], m.text...)
	for k, v := range m.values {
		clone.values[k] = v
	}
	return clone
}

func (m *LogMessage) MarshalJSON() ([]byte, error) {
	res := make(map[string]interface{}, len(m.values)+8)
	for k, v := range m.values {
		res[k] = v
	}
	res["id"] = m.id
	res["timestamp"] = m.timestamp.Format(time.RFC3339Nano)
	res["facility"] = FacilityName(m.facility)
	res["severity"] = SeverityName(m.severity)
	if m.host != "" {
		res["host"] = m.host
	}
	if m.program != "" {
		res["program"] = m.program
	}
	if m.pid != "" {
		res["pid"] = m.pid
	}
	res["message"] = string(m.text)
	return json.Marshal(res)
}

// reset clears the message state so it can be reused.
func (m *LogMessage) reset() {
	m.id = ""
	m.timestamp = time.Time{}
	m.host = ""
	m.program = ""
	m.pid = ""
	m.facility = 0
	m.severity = 0
	m.text = m.text[:0]
	for k := range m.values {
		delete(m.values, k)
	}
	m.refs.Store(0)
	m.pending.Store(0)
	m.ackFn = nil
}

var messagePool = sync.Pool{
	New: func() interface{} {
		return &LogMessage{
			values: make(map[string]string),
		}
	},
}

func acquireMessage() *LogMessage {
	m := messagePool.Get().(*LogMessage)
	m.refs.Store(1)
	return m
}

func releaseMessage(m *LogMessage) {
	m.reset()
	messagePool.Put(m)
}

// New returns a message holding one reference, stamped with the current time,
// a fresh id and user.notice priority.
func New(text string) *LogMessage {
	m := acquireMessage()
	m.id = uuid.NewString()
	m.timestamp = time.Now()
	m.facility = 1
	m.severity = sluice.SevNotice
	m.text = append(m.text[:0], text...)
	return m
}

// Setters are only valid before the message is handed to a pipe.

func (m *LogMessage) SetID(id string) {
	m.id = id
}

func (m *LogMessage) SetTimestamp(ts time.Time) {
	m.timestamp = ts
}

func (m *LogMessage) SetHost(host string) {
	m.host = host
}

func (m *LogMessage) SetProgram(program string) {
	m.program = program
}

func (m *LogMessage) SetPID(pid string) {
	m.pid = pid
}

func (m *LogMessage) SetPriority(facility uint8, severity sluice.Severity) {
	m.facility = facility
	m.severity = severity
}

func (m *LogMessage) SetText(text []byte) {
	m.text = append(m.text[:0], text...)
}

func (m *LogMessage) SetValue(name, value string) {
	m.values[name] = value
}
