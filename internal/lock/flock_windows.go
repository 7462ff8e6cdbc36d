//go:build windows

package lock

import "os"

// The in-process keyed mutex is the only protection on Windows.
func flock(_ *os.File) error   { return nil }
func funlock(_ *os.File) error { return nil }
