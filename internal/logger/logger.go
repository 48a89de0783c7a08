package logger

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	defaultLogger zerolog.Logger
	once          sync.Once
)

// Init initializes the default logger writing JSON to os.Stdout.
// It ensures that the logger is initialized only once.
func Init(level string) {
	once.Do(func() {
		lvl, err := zerolog.ParseLevel(level)
		if err != nil || level == "" {
			lvl = zerolog.InfoLevel
		}
		defaultLogger = zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
		defaultLogger.Info().Msg("Logger initialized")
	})
}

// Get returns the initialized default logger.
// It calls Init() to ensure the logger is ready before returning it.
func Get() zerolog.Logger {
	Init("")
	return defaultLogger
}

// Info logs an informational message with alternating key/value fields.
func Info(msg string, args ...any) {
	l := Get()
	event(l.Info(), args).Msg(msg)
}

// Warn logs a warning message with alternating key/value fields.
func Warn(msg string, args ...any) {
	l := Get()
	event(l.Warn(), args).Msg(msg)
}

// Error logs an error message using the default logger.
func Error(msg string, err error, args ...any) {
	l := Get()
	event(l.Error().Err(err), args).Msg(msg)
}

// Debug logs a debug message with alternating key/value fields.
func Debug(msg string, args ...any) {
	l := Get()
	event(l.Debug(), args).Msg(msg)
}

// event attaches slog-style alternating key/value pairs to a zerolog event.
// A trailing key without a value is dropped.
func event(e *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, args[i+1])
	}
	return e
}
