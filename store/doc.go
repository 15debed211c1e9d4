// Package store provides Redis-backed persistence for every entity the
// authentication engine owns: users, accounts, sessions, refresh-token
// rotation trees, verification codes, verifiers, passkeys, TOTP secrets,
// API keys, and device authorizations.
//
// # Layout
//
// Entities are Redis hashes under prefixed keys; secondary lookups (account
// by provider pair, user by verified email, API key by fingerprint, device
// by user code) are plain string keys, and one-to-many relations (accounts
// per user, tokens per session, children per token) are sets. Integer
// fields are stored as decimal strings so Lua scripts can read them with
// tonumber.
//
// # Atomicity
//
// Every multi-step mutation runs as a single Lua script under EVALSHA:
// refresh rotation with reuse detection, code supersede and consume,
// verifier take, device polling, passkey counter advance, and session
// teardown. Scripts return small integer status codes that the Go side
// decodes into typed results. Simple multi-key writes that need no
// branching use MULTI/EXEC pipelines instead.
//
// # Architecture boundaries
//
// This package owns persistence and the atomicity of each mutation. It does
// NOT decide policy: linking rules, rate-limit curves, token formats, and
// provider semantics belong to the engine.
//
// # What this package must NOT do
//
//   - Import authcore or its provider types (no upward imports).
//   - Log, emit metrics, or hash secrets (callers pass hashes in).
//   - Hold plaintext credential material in any record field.
package store
