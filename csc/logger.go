package csc

// Logger interface for CSC logging
type Logger interface {
	Printf(format string, v ...interface{})
	Debug(format string, v ...interface{})
	Info(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Error(format string, v ...interface{})
	DebugPayload(direction string, data []byte)
}

// nopLogger discards everything. Used when a component is built without a logger.
type nopLogger struct{}

func (nopLogger) Printf(format string, v ...interface{}) {}
func (nopLogger) Debug(format string, v ...interface{})  {}
func (nopLogger) Info(format string, v ...interface{})   {}
func (nopLogger) Warn(format string, v ...interface{})   {}
func (nopLogger) Error(format string, v ...interface{})  {}
func (nopLogger) DebugPayload(direction string, data []byte) {
}

// LogPayload logs a raw notification if the logger is set
func LogPayload(logger Logger, direction string, data []byte) {
	if logger != nil {
		logger.DebugPayload(direction, data)
	}
}
