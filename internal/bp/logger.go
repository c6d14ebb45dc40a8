package bp

// Logger is the logging interface used by the engines. Arguments follow the
// slog convention of alternating keys and values.
type Logger interface {
	Debug(message string, args ...any)
	Info(message string, args ...any)
	Warn(message string, args ...any)
	Error(message string, args ...any)
}

// NopLogger discards all log messages.
type NopLogger struct{}

func (l *NopLogger) Debug(message string, args ...any) {}
func (l *NopLogger) Info(message string, args ...any)  {}
func (l *NopLogger) Warn(message string, args ...any)  {}
func (l *NopLogger) Error(message string, args ...any) {}
