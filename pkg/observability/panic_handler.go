package observability

import (
	"fmt"
	"runtime/debug"
)

// PanicError carries a recovered panic value and the stack it was raised on
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// RecoverPanic recovers from a panic and logs it with the stack trace.
// It must be called directly in a defer statement:
//
//	defer observability.RecoverPanic(logger, "cache fill")
//
// The panic is not re-raised.
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logPanic(logger, where, r, debug.Stack())
	}
}

// RecoverPanicWithCallback is RecoverPanic plus a callback that only runs
// when a panic was recovered
func RecoverPanicWithCallback(logger *Logger, where string, callback func(err error)) {
	if r := recover(); r != nil {
		stack := debug.Stack()
		logPanic(logger, where, r, stack)
		if callback != nil {
			callback(&PanicError{Value: r, Stack: stack})
		}
	}
}

// AsError converts a recovered value into a *PanicError, or nil when r is nil
//
//	defer func() { err = observability.AsError(recover()) }()
func AsError(r interface{}) error {
	if r == nil {
		return nil
	}
	return &PanicError{Value: r, Stack: debug.Stack()}
}

func logPanic(logger *Logger, where string, r interface{}, stack []byte) {
	if logger == nil {
		logger = NewLogger(ErrorLevel, nil)
	}
	logger.WithFields(map[string]interface{}{
		"panic":   fmt.Sprint(r),
		"stack":   string(stack),
		"context": where,
	}).Error("PANIC recovered")
}
