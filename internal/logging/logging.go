// Package logging builds the zerolog.Logger shared by every long-lived
// component (store, replication peer, chat server, client session), each
// of which tags it with its own "component" field.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds a logger writing level-prefixed, colorized lines to stderr in
// development, or plain JSON when pretty is false (for production log
// shipping). levelName is parsed case-insensitively; an unrecognized value
// falls back to info.
func New(levelName string, pretty bool) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(levelName))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if pretty {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		base = zerolog.New(writer)
	} else {
		base = zerolog.New(os.Stderr)
	}
	return base.Level(level).With().Timestamp().Logger()
}
