package cache

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// NoOpLogger is a logger that does nothing.
type NoOpLogger struct{}

// Debug logs a debug message (no-op).
func (n *NoOpLogger) Debug(msg string, args ...any) {}

// Info logs an info message (no-op).
func (n *NoOpLogger) Info(msg string, args ...any) {}

// Warn logs a warning message (no-op).
func (n *NoOpLogger) Warn(msg string, args ...any) {}

// Error logs an error message (no-op).
func (n *NoOpLogger) Error(msg string, args ...any) {}

// NewNoOpLogger creates a new no-op logger.
func NewNoOpLogger() Logger {
	return &NoOpLogger{}
}

type ConsoleLogger struct {
	prefix string
}

// Debug logs a debug message to console.
func (cl *ConsoleLogger) Debug(msg string, args ...any) {
	cl.print("DEBUG", msg, args)
}

// Info logs an info message to console.
func (cl *ConsoleLogger) Info(msg string, args ...any) {
	cl.print("INFO", msg, args)
}

// Warn logs a warning message to console.
func (cl *ConsoleLogger) Warn(msg string, args ...any) {
	cl.print("WARN", msg, args)
}

// Error logs an error message to console.
func (cl *ConsoleLogger) Error(msg string, args ...any) {
	cl.print("ERROR", msg, args)
}

func (cl *ConsoleLogger) print(level, msg string, args []any) {
	fmt.Printf("[%s] %s: %s", level, cl.prefix, msg)
	if len(args) > 0 {
		fmt.Printf(" %v", args)
	}
	fmt.Println()
}

// NewConsoleLogger creates a new console logger.
func NewConsoleLogger(prefix string) Logger {
	return &ConsoleLogger{prefix: prefix}
}

// ZapLogger adapts a zap logger to the Logger interface, for embedders
// that already run structured logging.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// Debug logs a debug message with key-value pairs.
func (zl *ZapLogger) Debug(msg string, args ...any) {
	zl.sugar.Debugw(msg, args...)
}

// Info logs an info message with key-value pairs.
func (zl *ZapLogger) Info(msg string, args ...any) {
	zl.sugar.Infow(msg, args...)
}

// Warn logs a warning message with key-value pairs.
func (zl *ZapLogger) Warn(msg string, args ...any) {
	zl.sugar.Warnw(msg, args...)
}

// Error logs an error message with key-value pairs.
func (zl *ZapLogger) Error(msg string, args ...any) {
	zl.sugar.Errorw(msg, args...)
}

// NewZapLogger wraps a *zap.Logger as a Logger.
func NewZapLogger(l *zap.Logger) Logger {
	return &ZapLogger{sugar: l.Sugar()}
}

// JSONMarshaller is a marshaller that uses the standard JSON library.
type JSONMarshaller struct{}

// Marshal serializes a value to JSON.
func (jm *JSONMarshaller) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal deserializes a value from JSON.
func (jm *JSONMarshaller) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewJSONMarshaller creates a new JSON marshaller.
func NewJSONMarshaller() Marshaller {
	return &JSONMarshaller{}
}
