// Package async provides safe concurrent execution primitives for
// background tasks.
//
// SafeGo runs a function in a goroutine with panic recovery, a timeout and
// context cancellation. WorkerPool bounds concurrency for queued side work
// and drains gracefully on shutdown.
//
// The billing pipeline uses these for everything that must not block or
// fail a ledger mutation: notification email delivery, cache invalidation,
// metrics flushing.
package async
