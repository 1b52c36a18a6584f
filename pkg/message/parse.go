package message

import (
	"bytes"
	"time"

	"github.com/user/sluice"
	"gopkg.in/mcuadros/go-syslog.v2/format"
)

var rfc3164 = &format.RFC3164{}

// Parse builds a message from an RFC3164 syslog line. A line the parser
// rejects, or one carrying an out-of-range priority, is kept verbatim as the
// message text with the default user.notice priority.
func Parse(line []byte) *LogMessage {
	line = bytes.TrimRight(line, "\r\n")
	m := New("")

	p := rfc3164.GetParser(line)
	p.Location(time.Local)
	if err := p.Parse(); err != nil {
		m.SetText(line)
		return m
	}
	parts := p.Dump()

	pri, ok := parts["priority"].(int)
	if !ok || pri < 0 || pri > 191 {
		m.SetText(line)
		return m
	}
	m.SetPriority(uint8(pri/8), sluice.Severity(pri%8))
	if ts, ok := parts["timestamp"].(time.Time); ok && !ts.IsZero() {
		m.SetTimestamp(ts)
	}
	if host, ok := parts["hostname"].(string); ok {
		m.SetHost(host)
	}
	if tag, ok := parts["tag"].(string); ok && tag != "" {
		m.SetProgram(tag)
		m.SetPID(pidOf(line, tag))
	}
	content, _ := parts["content"].(string)
	m.SetText([]byte(content))
	return m
}

// pidOf returns the pid of a "tag[pid]:" header; the parser keeps only the tag.
func pidOf(line []byte, tag string) string {
	i := bytes.Index(line, []byte(tag+"["))
	if i < 0 {
		return ""
	}
	rest := line[i+len(tag)+1:]
	end := bytes.IndexByte(rest, ']')
	if end <= 0 {
		return ""
	}
	return string(rest[:end])
}
