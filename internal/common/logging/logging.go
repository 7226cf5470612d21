// Package logging centralizes the structured log field names used across
// the broker so every component tags its log lines consistently.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Field names shared by every component that logs through zerolog.
const (
	FieldComponent   = "component"
	FieldRequestId   = "requestId"
	FieldProducerId  = "producerId"
	FieldConsumerId  = "consumerId"
	FieldFtId        = "ftId"
	FieldToken       = "resumptionToken"
	FieldEvent       = "event"
	FieldTopic       = "topic"
	FieldAmount      = "amount"
	FieldError       = "error"
)

// NewLogger builds the broker's root logger. Pretty-printing is opt-in via
// pretty (meant for local development; production deployments want plain
// JSON lines for ingestion).
func NewLogger(level zerolog.Level, pretty bool) zerolog.Logger {
	var w io.Writer = os.Stderr
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the given component name,
// the same pattern the teacher's services use for per-component loggers
// (e.g. "logger.With().Str(logging.FieldComponent, name).Logger()").
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str(FieldComponent, name).Logger()
}
