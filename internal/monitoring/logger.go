// Package monitoring carries the pipeline's diagnostic logger and counters.
package monitoring

import "log"

// Logf is used by every pipeline package for diagnostics. It defaults to
// log.Printf; tests redirect or mute it with SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces Logf. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
