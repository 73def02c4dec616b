package observability

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// NewLogger returns a JSON logger on stdout tagged with the component name.
// Level comes from GRID_LOG_LEVEL (debug|info|warn|error, default info).
func NewLogger(component string) zerolog.Logger {
	level, err := zerolog.ParseLevel(os.Getenv("GRID_LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}
