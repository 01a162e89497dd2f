package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance. The zero value discards everything.
	Logger zerolog.Logger
)

// Init initializes the global logger. format is "json" or "console".
func Init(level, format string) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var output io.Writer = os.Stdout

	// Pretty console logging in development
	if format == "console" || os.Getenv("ENV") == "development" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "vigil").
		Logger()

	Logger.Info().
		Str("level", logLevel.String()).
		Msg("logger initialized")
}

// WithComponent returns a logger with a component field
func WithComponent(component string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	return &l
}

// WithRequestID returns a logger with a request ID field
func WithRequestID(requestID string) *zerolog.Logger {
	l := Logger.With().Str("request_id", requestID).Logger()
	return &l
}

// WithError returns a logger with an error field
func WithError(err error) *zerolog.Logger {
	l := Logger.With().Err(err).Logger()
	return &l
}

// WithRule scopes a component logger to a rule.
func WithRule(component, ruleID string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Str("rule_id", ruleID).Logger()
	return &l
}

// WithAlert scopes a component logger to an alert.
func WithAlert(component, alertID string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Str("alert_id", alertID).Logger()
	return &l
}
