// Package obs provides the library's optional structured logging. The core
// never logs unless a host integration configures it (§7 Propagation
// policy: "the library does not log unless a host integration injects an
// observer").
package obs

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the global logger's level and output format. Host
// applications call this once at startup; the core itself never calls it.
func InitLogger(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if os.Getenv("NDB_ENV") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// Component returns a logger tagged with the given component name, e.g.
// "wal", "compaction", "search".
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
