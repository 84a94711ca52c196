package main

import (
	"fmt"
	"log"
	"strings"

	"csc-service/csc"
)

// LeveledLogger wraps a standard logger with log level filtering
type LeveledLogger struct {
	logger   *log.Logger
	logLevel LogLevel
}

// NewLeveledLogger creates a new leveled logger
func NewLeveledLogger(logger *log.Logger, level LogLevel) *LeveledLogger {
	return &LeveledLogger{
		logger:   logger,
		logLevel: level,
	}
}

// Debug logs a message at DEBUG level
func (l *LeveledLogger) Debug(format string, v ...interface{}) {
	if l.logLevel >= LogLevelDebug {
		l.logger.Printf("[DEBUG] "+format, v...)
	}
}

// Info logs a message at INFO level
func (l *LeveledLogger) Info(format string, v ...interface{}) {
	if l.logLevel >= LogLevelInfo {
		l.logger.Printf("[INFO] "+format, v...)
	}
}

// Warn logs a message at WARN level
func (l *LeveledLogger) Warn(format string, v ...interface{}) {
	if l.logLevel >= LogLevelWarn {
		l.logger.Printf("[WARN] "+format, v...)
	}
}

// Error logs a message at ERROR level
func (l *LeveledLogger) Error(format string, v ...interface{}) {
	if l.logLevel >= LogLevelError {
		l.logger.Printf("[ERROR] "+format, v...)
	}
}

// Printf provides compatibility with standard logger - logs at INFO level
func (l *LeveledLogger) Printf(format string, v ...interface{}) {
	l.Info(format, v...)
}

// DebugPayload logs a raw notification at DEBUG level as hex bytes
func (l *LeveledLogger) DebugPayload(direction string, data []byte) {
	if l.logLevel >= LogLevelDebug {
		var sb strings.Builder
		for _, b := range data {
			fmt.Fprintf(&sb, "%02X ", b)
		}
		l.logger.Printf("[DEBUG] CSC %s: Len=%d Data=[%s]", direction, len(data), strings.TrimSpace(sb.String()))
	}
}

// Ensure LeveledLogger implements csc.Logger interface at compile time
var _ csc.Logger = (*LeveledLogger)(nil)
