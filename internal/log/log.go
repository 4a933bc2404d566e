package log

import (
	"sync"
)

type Logger interface {
	Print(args ...interface{})
	Printf(format string, args ...interface{})

	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	Panic(args ...interface{})
	Panicf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

// DefaultPattern is used when no pattern is configured.
const DefaultPattern = "%time [%level] %field %msg\n"

// DefaultTimeLayout is used when no time layout is configured.
const DefaultTimeLayout = "2006-01-02 15:04:05.000"

var (
	mu     sync.Mutex
	logger Logger
)

// GetLogger returns the process logger. Before Init runs it returns an
// info-level stdout logger so early callers never see nil.
func GetLogger() Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = newAdapter(&LoggerConfig{Level: "info"})
	}
	return logger
}

// Init replaces the process logger.
func Init(cfg *LoggerConfig) {
	mu.Lock()
	defer mu.Unlock()
	logger = newAdapter(cfg)
}
