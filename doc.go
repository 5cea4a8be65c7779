// Package authkernel is a client-side authentication kernel. It holds the
// current token state, coordinates automatic refresh under concurrent demand,
// and wraps outbound HTTP requests to inject credentials and recover from 401
// responses.
//
// A [Kernel] is built with [New] and composed from plugins. The built-in
// plugins are [TokenStore], [RefreshEngine] and [FetchInterceptor]; the
// optional [Persistence] and [TabSync] plugins mirror the token slot into a
// storage backend and across processes. Kernel methods are safe to call from
// multiple goroutines.
//
// # Architecture boundaries
//
// authkernel is the public surface. Plugins reach each other only through the
// Kernel, which looks capabilities up by well-known plugin name. Event
// dispatch lives in package events; timers, backoff and logging setup live
// under internal/.
//
// # What this package must NOT do
//
//   - Verify token signatures or perform an authorization-code exchange.
//   - Log token values.
//   - Let a plugin write the token slot except through Kernel methods.
//
// # Concurrency contract
//
// At most one refresh runs at a time; concurrent Refresh callers share its
// result. At most one refresh timer is armed. Event handlers never run on the
// goroutine that emitted the event.
package authkernel

// Version is reported by the built-in plugins.
const Version = "1.0.0"
