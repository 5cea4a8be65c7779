// Package jwt reads access-token claims without verification and issues signed
// tokens for servers, examples and tests.
//
// Decode and ExpiresAt are the client-side half: the kernel only needs the exp
// claim to schedule a refresh, so signatures are never checked there and
// malformed input degrades to a zero result. Issuer is the server-side half and
// does verify signatures.
//
// # What this package must NOT do
//
//   - Treat an unverified claim as proof of identity.
//   - Hold key material beyond what an Issuer is configured with.
package jwt
