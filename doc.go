// Package authcore is an embeddable authentication engine: JWT access
// tokens, rotating opaque refresh tokens in a Redis-backed session
// lineage, and a single orchestration entry point over pluggable
// sign-in providers (password, one-time codes, OAuth, passkeys, TOTP,
// device grants).
//
// Engine methods are safe for concurrent use after construction
// through [Builder.Build].
//
// # Architecture boundaries
//
// authcore is the orchestration surface. It owns flow sequencing,
// policy (account linking, attempt budgets, reuse detection handling)
// and telemetry. Persistence lives in the store package, token signing
// in token, hashing in password; external collaborators (code
// delivery, OAuth exchange, WebAuthn ceremonies) enter through the
// narrow interfaces on [Builder].
//
// # Failure discipline
//
// Known failure classes come back as the package's sentinel errors and
// carry deliberately generic messages. Whether an identifier exists,
// which check rejected a secret, and how far a flow progressed are
// recorded in the audit stream, never in error strings. Plaintext
// secrets and one-time codes appear in exactly two places: the
// caller-facing result that first hands them out, and the delivery
// message that carries a code to its destination.
//
// # Performance contract
//
// [Engine.VerifyAccessToken] is the hot path and completes without
// Redis round-trips; revocation therefore lands on the refresh
// boundary. Sign-in and refresh operations are built around single
// Lua round-trips for their racing steps.
package authcore
