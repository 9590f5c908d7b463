// Package monitoring holds the process-wide diagnostic logger shared by the
// acquisition daemon and the offline tools.
package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

var traceEnabled atomic.Bool

// SetTrace toggles per-step trace logging. Off by default so multi-hour
// sweeps keep the main log quiet.
func SetTrace(on bool) { traceEnabled.Store(on) }

// Tracef logs only when trace logging is enabled.
func Tracef(format string, v ...interface{}) {
	if traceEnabled.Load() {
		Logf(format, v...)
	}
}
