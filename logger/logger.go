package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger for a service. LOG_LEVEL selects
// the level and LOG_FORMAT=console switches to human-readable output.
func Init(service string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(parseLevel(os.Getenv("LOG_LEVEL")))

	var out io.Writer = os.Stderr
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "console") {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Str("service", service).Logger()
}

func parseLevel(value string) zerolog.Level {
	switch strings.ToUpper(value) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
