package events

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// zerologAdapter routes watermill logs into the global zerolog logger.
type zerologAdapter struct {
	fields watermill.LogFields
}

func NewLogger() watermill.LoggerAdapter {
	return zerologAdapter{}
}

func (z zerologAdapter) event(e *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	return e.Fields(map[string]interface{}(z.fields.Add(fields)))
}

func (z zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	z.event(log.Error().Err(err), fields).Msg(msg)
}

func (z zerologAdapter) Info(msg string, fields watermill.LogFields) {
	z.event(log.Info(), fields).Msg(msg)
}

func (z zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	z.event(log.Debug(), fields).Msg(msg)
}

func (z zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	z.event(log.Trace(), fields).Msg(msg)
}

func (z zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return zerologAdapter{fields: z.fields.Add(fields)}
}
