package monitoring

import "log"

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

// StarLogger returns a logger that prefixes every line with the star identity.
// It resolves Logf at call time so a later SetLogger still takes effect.
func StarLogger(starID string) func(format string, v ...interface{}) {
	return func(format string, v ...interface{}) {
		Logf("[%s] "+format, append([]interface{}{starID}, v...)...)
	}
}
