// Package storage provides key/value adapters used to persist the kernel's
// token slot across restarts.
//
// # Architecture boundaries
//
// Adapters store opaque string values under string keys. They do not parse
// token sets, schedule refreshes, or emit events; the persistence plugin in
// the root package owns those concerns.
//
// # What this package must NOT do
//
//   - Import authkernel (no upward imports).
//   - Log stored values.
//   - Retry failed operations; callers decide.
package storage
