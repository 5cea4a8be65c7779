// Package broadcast carries best-effort token-state messages between kernels
// running in different goroutines or processes.
//
// # Architecture boundaries
//
// A [Broadcaster] moves opaque [Message] values. Deciding what to publish and
// how to apply a received message belongs to the tab-sync plugin in the root
// package. The in-process [Hub] is for tests and single-binary setups; the
// mqtt sub-package carries messages across processes.
//
// # What this package must NOT do
//
//   - Import authkernel (no upward imports).
//   - Guarantee delivery or ordering across publishers.
package broadcast
