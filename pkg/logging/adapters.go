package logging

import (
	"fmt"

	"github.com/panjf2000/ants/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// AntsLogger routes ants worker pool messages to zerolog.
type AntsLogger struct {
	Logger zerolog.Logger
}

var _ ants.Logger = AntsLogger{}

// Printf implements ants.Logger.
func (l AntsLogger) Printf(format string, args ...interface{}) {
	l.Logger.Warn().Msgf(format, args...)
}

// CronLogger routes cron scheduler messages to zerolog. Info messages are
// logged at debug level since cron reports every wake-up.
type CronLogger struct {
	Logger zerolog.Logger
}

var _ cron.Logger = CronLogger{}

// Info implements cron.Logger.
func (l CronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Logger.Debug().Fields(fields(keysAndValues)).Msg(msg)
}

// Error implements cron.Logger.
func (l CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.Logger.Error().Err(err).Fields(fields(keysAndValues)).Msg(msg)
}

// fields turns alternating key/value pairs into a zerolog field map.
func fields(keysAndValues []interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		m[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	if len(keysAndValues)%2 == 1 {
		m["extra"] = keysAndValues[len(keysAndValues)-1]
	}
	return m
}
