// Package debuglog is a structured, color-coded event logger for the
// worker's lifecycle events: claims, locks, job starts and ends, and
// forwarded signals.
package debuglog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Event names the worker logs under.
const (
	EventSessionCreate = "session-create"
	EventClaimWon      = "claim-won"
	EventClaimLost     = "claim-lost"
	EventLockWait      = "lock-wait"
	EventLockAcquire   = "lock-acquire"
	EventLockRelease   = "lock-release"
	EventJobStart      = "job-start"
	EventJobEnd        = "job-end"
	EventStdinPreview  = "stdin-preview"
	EventStdoutPreview = "stdout-preview"
	EventSignalForward = "signal-forward"
)

var eventColor = map[string]*color.Color{
	EventSessionCreate: color.New(color.FgCyan),
	EventClaimWon:      color.New(color.FgGreen),
	EventClaimLost:     color.New(color.FgYellow),
	EventLockWait:      color.New(color.FgYellow),
	EventLockAcquire:   color.New(color.FgGreen),
	EventLockRelease:   color.New(color.FgGreen),
	EventJobStart:      color.New(color.FgMagenta),
	EventJobEnd:        color.New(color.FgMagenta),
	EventStdinPreview:  color.New(color.FgBlue),
	EventStdoutPreview: color.New(color.FgBlue),
	EventSignalForward: color.New(color.FgRed),
}

// Logger emits structured debug events. When Enabled is false, Log is a
// no-op — the core always calls Log unconditionally, the same way the
// worker always calls its reload-aware config rather than branching on
// debug at every call site.
type Logger struct {
	mu      sync.Mutex
	out     io.Writer
	Enabled bool
}

// New returns a Logger writing to os.Stderr.
func New(enabled bool) *Logger {
	return &Logger{out: os.Stderr, Enabled: enabled}
}

// Log emits one event with key=value fields, colored by event kind.
func (l *Logger) Log(event string, fields ...any) {
	if l == nil || !l.Enabled {
		return
	}
	c, ok := eventColor[event]
	if !ok {
		c = color.New(color.FgWhite)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	ts := time.Now().Format("15:04:05.000")
	c.Fprintf(l.out, "[%s] %-16s", ts, event)
	for i := 0; i+1 < len(fields); i += 2 {
		fmt.Fprintf(l.out, " %v=%v", fields[i], fields[i+1])
	}
	fmt.Fprintln(l.out)
}

// Preview renders the first n bytes of data as both hex and text, for the
// stdin/stdout preview debug events.
func Preview(data []byte, n int) string {
	if len(data) > n {
		data = data[:n]
	}
	text := make([]byte, len(data))
	for i, b := range data {
		if b >= 0x20 && b < 0x7f {
			text[i] = b
		} else {
			text[i] = '.'
		}
	}
	return fmt.Sprintf("hex=%x text=%q", data, text)
}
