// Package debug provides opt-in diagnostic logging for arbor.
//
// Output is off unless ARBOR_DEBUG is set or SetVerbose(true) is called.
// Events are structured (zerolog); Logf remains for quick printf-style traces.
package debug

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	enabled     = os.Getenv("ARBOR_DEBUG") != ""
	verboseMode = false
	quietMode   = false

	logMu  sync.RWMutex
	logger = newLogger(os.Stderr)
)

func newLogger(w io.Writer) zerolog.Logger {
	if f, ok := w.(*os.File); ok && (f == os.Stderr || f == os.Stdout) {
		w = zerolog.ConsoleWriter{Out: f, TimeFormat: "15:04:05.000"}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose enables verbose/debug output
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

// SetQuiet enables quiet mode (suppress non-essential output)
func SetQuiet(quiet bool) {
	quietMode = quiet
}

// IsQuiet returns true if quiet mode is enabled
func IsQuiet() bool {
	return quietMode
}

// SetOutput redirects diagnostic output. Writers other than the process's
// stdout/stderr receive JSON lines.
func SetOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	logger = newLogger(w)
}

// Log returns the structured logger. Events are discarded unless debugging
// is enabled.
func Log() *zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	l := logger
	if !Enabled() {
		l = l.Level(zerolog.Disabled)
	}
	return &l
}

func Logf(format string, args ...interface{}) {
	if Enabled() {
		Log().Debug().Msgf(format, args...)
	}
}

// FprintNormal writes to w unless quiet mode is enabled. Use it for
// informational output that --quiet should suppress.
func FprintNormal(w io.Writer, format string, args ...interface{}) {
	if !quietMode {
		fmt.Fprintf(w, format, args...)
	}
}
