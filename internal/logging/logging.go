// Package logging is the execution core's structured-logging façade. Every
// component logs through a *Logger handed down at construction time, never
// through the standard library's log or fmt packages.
//
// It wraps github.com/joeycumines/logiface (a generic logging interface)
// bound to github.com/rs/zerolog via the izerolog adapter, matching the
// pack's idiom for a type-parameterized logger facade.
package logging

import (
	"io"
	"os"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger is the concrete logger type used throughout the module.
type Logger = logiface.Logger[*izerolog.Event]

// Level re-exports logiface's level type so callers need not import it
// directly.
type Level = logiface.Level

const (
	LevelError = logiface.LevelError
	LevelWarn  = logiface.LevelWarning
	LevelInfo  = logiface.LevelInformational
	LevelDebug = logiface.LevelDebug
)

// New builds a Logger writing JSON lines to w at the given level. Pass
// os.Stdout in production; tests typically pass an io.Discard or a buffer.
func New(w io.Writer, level Level) *Logger {
	zl := zerolog.New(w).With().Timestamp().Logger()
	return izerolog.L.New(izerolog.L.WithZerolog(zl), level)
}

// NewProduction builds the default stdout logger at info level, matching
// what cmd/arbexecd wires in at startup.
func NewProduction() *Logger {
	return New(os.Stdout, LevelInfo)
}

// NewDiscard builds a logger that throws every record away, useful for
// components under test that require a non-nil logger but assert nothing
// about its output.
func NewDiscard() *Logger {
	return New(io.Discard, LevelDebug)
}
