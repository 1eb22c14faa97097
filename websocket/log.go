package websocket

import (
	"os"

	"github.com/rs/zerolog"
)

// defaultLogger returns the package's fallback structured logger (zerolog,
// matching the rest of the dependency pack's logging choice) used when a
// caller does not supply one via EndpointConfig.Logger/DialConfig.Logger.
// Connection.log derives from this with conn_id/role fields attached (see
// newConnection).
func defaultLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}
