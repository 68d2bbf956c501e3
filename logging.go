package amqprecover

import (
	"os"

	"github.com/rs/zerolog"
)

// DefaultLogger returns the zerolog logger used when a Config does not
// supply one of its own.
func DefaultLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Str("component", "amqprecover").Logger()
}
