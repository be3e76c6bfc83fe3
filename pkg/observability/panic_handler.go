package observability

import (
	"runtime/debug"
)

// RecoverPanic is deferred around long-lived goroutines, like the DB stats
// updater, that must not take the billing service down. The panic value and
// stack are logged at error level and execution continues; the goroutine that
// panicked is gone, so only use this where losing the goroutine is tolerable.
//
//	defer observability.RecoverPanic(logger, "db stats updater")
func RecoverPanic(logger *Logger, context string) {
	if r := recover(); r != nil {
		logger.WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("context", context).
			Error("PANIC recovered")
	}
}
