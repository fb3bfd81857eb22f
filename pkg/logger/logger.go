package logger

import "fmt"

// Backend is implemented by logging sinks (console, test capture, ...).
type Backend interface {
	Log(message string, keyvals ...any)
	Debug(message string, keyvals ...any)
	Info(message string, keyvals ...any)
	Warn(message string, keyvals ...any)
	Error(message string, keyvals ...any)
	Fatal(message string, keyvals ...any)
}

// Logger fans log calls out to all configured backends.
type Logger struct {
	backends []Backend
}

var singleton *Logger

func getSingleton() *Logger {
	return singleton
}

// Init installs the global logger with one or more backends.
// Must be called once at process start before any logging call.
func Init(backends ...Backend) {
	singleton = &Logger{
		backends: backends,
	}
}

// Log writes a message at the default level to all configured backends.
func Log(message string, keyvals ...any) {
	logger := getSingleton()
	if logger == nil {
		return
	}

	for _, backend := range logger.backends {
		backend.Log(message, keyvals...)
	}
}

// Debug writes a message at DEBUG level to all configured backends.
func Debug(message string, keyvals ...any) {
	logger := getSingleton()
	if logger == nil {
		return
	}

	for _, backend := range logger.backends {
		backend.Debug(message, keyvals...)
	}
}

// Info writes a message at INFO level to all configured backends.
func Info(message string, keyvals ...any) {
	logger := getSingleton()
	if logger == nil {
		return
	}

	for _, backend := range logger.backends {
		backend.Info(message, keyvals...)
	}
}

// Warn writes a message at WARN level to all configured backends.
func Warn(message string, keyvals ...any) {
	logger := getSingleton()
	if logger == nil {
		return
	}

	for _, backend := range logger.backends {
		backend.Warn(message, keyvals...)
	}
}

// Error writes a message at ERROR level to all configured backends.
func Error(message string, keyvals ...any) {
	logger := getSingleton()
	if logger == nil {
		return
	}

	for _, backend := range logger.backends {
		backend.Error(message, keyvals...)
	}
}

// Fatal writes a message at FATAL level and terminates the program.
func Fatal(message string, keyvals ...any) {
	logger := getSingleton()
	if logger == nil {
		return
	}

	for _, backend := range logger.backends {
		backend.Fatal(message, keyvals...)
	}
}

// Tagged returns a Component logger that prefixes every message with
// a bracketed component tag, e.g. "[Curator] query built".
func Tagged(component string) Component {
	return Component{tag: fmt.Sprintf("[%s]", component)}
}

// Component is a thin wrapper around the global logger carrying a
// fixed component tag.
type Component struct {
	tag string
}

func (c Component) msg(message string) string {
	return c.tag + " " + message
}

// Debug writes a tagged message at DEBUG level.
func (c Component) Debug(message string, keyvals ...any) {
	Debug(c.msg(message), keyvals...)
}

// Info writes a tagged message at INFO level.
func (c Component) Info(message string, keyvals ...any) {
	Info(c.msg(message), keyvals...)
}

// Warn writes a tagged message at WARN level.
func (c Component) Warn(message string, keyvals ...any) {
	Warn(c.msg(message), keyvals...)
}

// Error writes a tagged message at ERROR level.
func (c Component) Error(message string, keyvals ...any) {
	Error(c.msg(message), keyvals...)
}
