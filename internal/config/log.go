package config

import (
	"os"

	"github.com/rs/zerolog"
)

// NewLogger builds the process's base logger: stderr JSON lines at
// c.LogLevel, or zerolog's console writer when LogPretty is set.
func (c Config) NewLogger() zerolog.Logger {
	var w interface {
		Write([]byte) (int, error)
	} = os.Stderr
	if c.LogPretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(w).Level(c.LogLevel).With().Timestamp().Logger()
}
