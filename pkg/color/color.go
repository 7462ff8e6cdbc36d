// Package color provides terminal color output for the ckpt CLI.
// It respects the NO_COLOR environment variable (https://no-color.org/).
package color

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/term"
)

var state struct {
	enabled    atomic.Bool
	overridden atomic.Bool
	once       sync.Once
}

// Init decides whether color is enabled from NO_COLOR, TERM, the
// --no-color flag and whether stdout is a terminal. Only the first call has an effect, and none after
// Enable or Disable.
func Init(noColorFlag bool) {
	state.once.Do(func() {
		if state.overridden.Load() {
			return
		}
		_, noColor := os.LookupEnv("NO_COLOR")
		disabled := noColor || os.Getenv("TERM") == "dumb" || noColorFlag ||
			!term.IsTerminal(int(os.Stdout.Fd()))
		state.enabled.Store(!disabled)
	})
}

// Enabled reports whether color output is enabled.
func Enabled() bool {
	Init(false)
	return state.enabled.Load()
}

// Disable turns off color output.
func Disable() {
	state.overridden.Store(true)
	state.enabled.Store(false)
}

// Enable turns on color output.
func Enable() {
	state.overridden.Store(true)
	state.enabled.Store(true)
}

// ANSI codes
const (
	Reset   = "\033[0m"
	Bold    = "\033[1m"
	DimCode = "\033[2m"

	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
	Gray    = "\033[90m"
)

func wrap(code string) func(string) string {
	return func(s string) string {
		if !Enabled() {
			return s
		}
		return code + s + Reset
	}
}

var (
	Redf     = wrap(Red)
	Greenf   = wrap(Green)
	Yellowf  = wrap(Yellow)
	Bluef    = wrap(Blue)
	Magentaf = wrap(Magenta)
	Cyanf    = wrap(Cyan)
	Grayf    = wrap(Gray)
	Boldf    = wrap(Bold)
	Dimf     = wrap(DimCode)
)

// Success formats a success message in green.
func Success(s string) string { return Greenf(s) }

// Successf formats a success message with printf-style arguments.
func Successf(format string, args ...any) string { return Greenf(fmt.Sprintf(format, args...)) }

// Error formats an error message in red.
func Error(s string) string { return Redf(s) }

// Errorf formats an error message with printf-style arguments.
func Errorf(format string, args ...any) string { return Redf(fmt.Sprintf(format, args...)) }

// Warning formats a warning in yellow.
func Warning(s string) string { return Yellowf(s) }

// Warningf formats a warning with printf-style arguments.
func Warningf(format string, args ...any) string { return Yellowf(fmt.Sprintf(format, args...)) }

// Info formats an informational message in cyan.
func Info(s string) string { return Cyanf(s) }

// ID formats an artifact, point or operation ID.
func ID(s string) string { return Cyanf(s) }

// Scope formats a rollback scope.
func Scope(s string) string { return Bluef(s) }

// Header formats a header in bold.
func Header(s string) string { return Boldf(s) }

// Dim formats secondary information.
func Dim(s string) string { return Dimf(s) }

// Highlight highlights important text in yellow.
func Highlight(s string) string { return Yellowf(s) }

// Code formats a command line.
func Code(s string) string {
	if !Enabled() {
		return s
	}
	return Bold + DimCode + s + Reset
}

// Status colors a state or severity word: green for good outcomes, red for
// failures, yellow for everything in between.
func Status(s string) string {
	switch s {
	case "completed", "ok", "passed", "healthy", "valid":
		return Greenf(s)
	case "failed", "error", "critical", "invalid", "tampered":
		return Redf(s)
	case "cancelled":
		return Grayf(s)
	case "info":
		return Cyanf(s)
	}
	return Yellowf(s)
}
