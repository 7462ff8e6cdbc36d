// Package progress reports the advance of long-running operations such as
// storing backup files, restoring them, or applying retention.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Callback receives progress updates. current counts finished units out of
// total; message names the unit just finished.
type Callback func(op string, current, total int, message string)

// Noop discards updates.
func Noop(op string, current, total int, message string) {}

// Progress counts finished units of one operation and reports each step.
type Progress struct {
	Op      string
	Total   int
	current int
	cb      Callback
}

// New creates a tracker for op. A nil cb discards updates.
func New(op string, total int, cb Callback) *Progress {
	if cb == nil {
		cb = Noop
	}
	return &Progress{Op: op, Total: total, cb: cb}
}

// Increment records one more finished unit.
func (p *Progress) Increment(message string) {
	p.current++
	p.cb(p.Op, p.current, p.Total, message)
}

// Set records current finished units.
func (p *Progress) Set(current int, message string) {
	p.current = current
	p.cb(p.Op, p.current, p.Total, message)
}

// Done reports the operation as complete.
func (p *Progress) Done(message string) {
	p.current = p.Total
	p.cb(p.Op, p.current, p.Total, message)
}

// Current returns the number of finished units.
func (p *Progress) Current() int {
	return p.current
}

const barWidth = 30

// Terminal draws a single-line bar, redrawn in place on every update.
// Operation name and total come from the updates themselves, so one
// Terminal can follow several operations in turn.
type Terminal struct {
	mu      sync.Mutex
	writer  io.Writer
	enabled bool
	drawn   bool
	lastLen int
}

// NewTerminal creates a bar drawn on stderr. A disabled bar draws nothing.
func NewTerminal(enabled bool) *Terminal {
	return &Terminal{writer: os.Stderr, enabled: enabled}
}

// SetWriter redirects drawing to w.
func (t *Terminal) SetWriter(w io.Writer) {
	t.mu.Lock()
	t.writer = w
	t.mu.Unlock()
}

// Callback returns a Callback that redraws the bar.
func (t *Terminal) Callback() Callback {
	return func(op string, current, total int, message string) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.enabled {
			return
		}
		t.draw(op, current, total, message)
	}
}

func (t *Terminal) draw(op string, current, total int, message string) {
	if total <= 0 {
		total = 1
	}
	current = min(current, total)
	filled := barWidth * current / total
	line := fmt.Sprintf("%s [%s%s] %d/%d (%.0f%%)", op,
		strings.Repeat("=", filled), strings.Repeat(" ", barWidth-filled),
		current, total, float64(current)*100/float64(total))
	if message != "" {
		line += " " + message
	}
	pad := ""
	if n := t.lastLen - len(line); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	fmt.Fprint(t.writer, "\r"+line+pad)
	t.lastLen = len(line)
	t.drawn = true
}

// Done ends the bar's line, printing message in place of the bar when
// given. Nothing is printed if the bar was never drawn.
func (t *Terminal) Done(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || !t.drawn {
		return
	}
	if message != "" {
		fmt.Fprint(t.writer, "\r"+message+strings.Repeat(" ", max(t.lastLen-len(message), 0)))
	}
	fmt.Fprintln(t.writer)
	t.drawn = false
	t.lastLen = 0
}

// SetEnabled turns drawing on or off.
func (t *Terminal) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

// IsEnabled reports whether the bar draws.
func (t *Terminal) IsEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}
