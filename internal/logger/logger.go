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

// Init initializes the default logger writing JSON to stderr.
// It ensures that the logger is initialized only once.
func Init() {
	once.Do(func() {
		defaultLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	})
}

// InitConsole switches to a human-readable console writer. Intended for
// interactive CLI runs; must be called before the first log line.
func InitConsole(level zerolog.Level) {
	once.Do(func() {
		defaultLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(level).With().Timestamp().Logger()
	})
}

// Get returns the initialized default logger.
// It calls Init() to ensure the logger is ready before returning it.
func Get() zerolog.Logger {
	Init()
	return defaultLogger
}

// Info logs an informational message with alternating key-value args.
func Info(msg string, args ...any) {
	l := Get()
	emit(l.Info(), msg, args)
}

// Warn logs a warning message with alternating key-value args.
func Warn(msg string, args ...any) {
	l := Get()
	emit(l.Warn(), msg, args)
}

// Error logs an error message using the default logger.
func Error(msg string, err error, args ...any) {
	l := Get()
	ev := l.Error()
	if err != nil {
		ev = ev.Err(err)
	}
	emit(ev, msg, args)
}

// Debug logs a debug message with alternating key-value args.
func Debug(msg string, args ...any) {
	l := Get()
	emit(l.Debug(), msg, args)
}

func emit(ev *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, args[i+1])
	}
	ev.Msg(msg)
}
