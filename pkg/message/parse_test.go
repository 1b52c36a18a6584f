package message

import (
	"testing"
	"time"

	"github.com/user/sluice"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		facility uint8
		severity sluice.Severity
		host     string
		program  string
		pid      string
		text     string
	}{
		{
			name:     "full rfc3164",
			line:     "<34>Oct 11 22:14:15 mymachine su[123]: 'su root' failed\n",
			facility: 4, severity: sluice.SevCritical,
			host: "mymachine", program: "su", pid: "123",
			text: "'su root' failed",
		},
		{
			name:     "no pid",
			line:     "<13>Feb  5 17:32:18 10.0.0.99 sshd: Accepted publickey",
			facility: 1, severity: sluice.SevNotice,
			host: "10.0.0.99", program: "sshd",
			text: "Accepted publickey",
		},
		{
			name:     "no header",
			line:     "just a line",
			facility: 1, severity: sluice.SevNotice,
			text: "just a line",
		},
		{
			name:     "out of range pri kept verbatim",
			line:     "<999>Oct 11 22:14:15 host app: text",
			facility: 1, severity: sluice.SevNotice,
			text: "<999>Oct 11 22:14:15 host app: text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Parse([]byte(tt.line))
			if m.Facility() != tt.facility || m.Severity() != tt.severity {
				t.Errorf("priority: expected %d.%d, got %d.%d", tt.facility, tt.severity, m.Facility(), m.Severity())
			}
			if m.Host() != tt.host {
				t.Errorf("host: expected %q, got %q", tt.host, m.Host())
			}
			if m.Program() != tt.program {
				t.Errorf("program: expected %q, got %q", tt.program, m.Program())
			}
			if m.PID() != tt.pid {
				t.Errorf("pid: expected %q, got %q", tt.pid, m.PID())
			}
			if string(m.Text()) != tt.text {
				t.Errorf("text: expected %q, got %q", tt.text, m.Text())
			}
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	m := Parse([]byte("<34>Oct 11 22:14:15 mymachine su: failed"))
	ts := m.Timestamp()
	if ts.Month() != time.October || ts.Day() != 11 || ts.Hour() != 22 || ts.Minute() != 14 || ts.Second() != 15 {
		t.Errorf("unexpected timestamp %v", ts)
	}
	if ts.Year() < 2000 {
		t.Errorf("expected the current year to be filled in, got %d", ts.Year())
	}
}

func TestPidOf(t *testing.T) {
	tests := []struct {
		line, tag, pid string
	}{
		{"<13>Oct 11 22:14:15 h su[123]: x", "su", "123"},
		{"<13>Oct 11 22:14:15 h su: x", "su", ""},
		{"<13>Oct 11 22:14:15 h su[]: x", "su", ""},
	}
	for _, tt := range tests {
		if got := pidOf([]byte(tt.line), tt.tag); got != tt.pid {
			t.Errorf("pidOf(%q): expected %q, got %q", tt.line, tt.pid, got)
		}
	}
}
