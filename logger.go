package scr

// Logger defines the interface for runtime logging.
// The runtime uses structured logging with key-value pairs; every failure
// that does not propagate to a caller (binding errors, activation errors,
// configuration conflicts, cycle warnings) is reported here.
//
//	logger.Error("Bind method failed", "component", "greeting", "reference", "greeter", "error", err)
//
// *slog.Logger satisfies this interface.
type Logger interface {
	// Info logs an informational message with optional key-value pairs.
	Info(msg string, args ...any)

	// Error logs an error message with optional key-value pairs.
	Error(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, args ...any)

	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}
