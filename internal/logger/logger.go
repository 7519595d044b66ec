package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Setup builds the root logger every component logger derives from.
// Level falls back to info when the configured string does not parse.
// Format "pretty" switches to the console writer for local development;
// anything else emits JSON lines.
func Setup(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	base := zerolog.New(os.Stdout)
	if format == "pretty" {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	return base.With().
		Timestamp().
		Caller().
		Str("service", "examgate").
		Logger()
}
