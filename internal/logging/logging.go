// Package logging builds the process logger from the numeric log_level
// in the config (Debug:-4 Info:0 Warn:4 Error:8).
package logging

import (
	"io"

	"github.com/rs/zerolog"
)

// New returns a JSON logger writing to w at the given numeric level.
func New(w io.Writer, level int) zerolog.Logger {
	return zerolog.New(w).Level(FromNumeric(level)).With().Timestamp().Logger()
}

// FromNumeric maps the config's numeric scale onto zerolog levels.
func FromNumeric(n int) zerolog.Level {
	switch {
	case n <= -4:
		return zerolog.DebugLevel
	case n < 4:
		return zerolog.InfoLevel
	case n < 8:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}
