package logging

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

type watermillAdapter struct {
	logger zerolog.Logger
}

var _ watermill.LoggerAdapter = (*watermillAdapter)(nil)

// NewWatermill wraps a zerolog logger as a watermill.LoggerAdapter.
// Watermill's info chatter is demoted to debug.
func NewWatermill(l zerolog.Logger) watermill.LoggerAdapter {
	return &watermillAdapter{logger: l.With().Str("component", "watermill").Logger()}
}

func (w *watermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *watermillAdapter) Info(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *watermillAdapter) Debug(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *watermillAdapter) Trace(msg string, fields watermill.LogFields) {
	w.logger.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *watermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillAdapter{logger: w.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}
