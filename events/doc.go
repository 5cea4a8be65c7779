// Package events implements the kernel's typed publish/subscribe bus.
//
// # Dispatch model
//
// Emit never runs handlers on the caller's goroutine. Each Emit with at least
// one subscriber enqueues a dispatch job; a single dispatcher goroutine runs
// jobs in FIFO order and, within a job, handlers in subscription order.
// Handlers are isolated: an error or panic is logged and counted, and the
// remaining handlers still run.
//
// Flush is the defined synchronisation point: it returns once every job queued
// before the call has been dispatched. Clear and unsubscribe take effect for
// jobs that are already queued but not yet dispatched.
//
// # What this package must NOT do
//
//   - Import the kernel package or know about token storage.
//   - Block Emit on a full queue (overflow is dropped and counted).
//   - Persist events.
package events
