// Package middleware exposes HTTP adapters for request authentication
// built on Engine verification.
//
// # Guards
//
//   - [Guard]: bearer access token verification, no store round trip.
//   - [RequireAPIKey]: API key verification with required scopes.
//
// Each guard reads the request credentials, asks the engine to verify
// them, and injects the verified identity into the request context.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. It makes
// no authentication decisions of its own.
//
// # What this package must NOT do
//
//   - Parse or create tokens directly (delegates to the engine).
//   - Touch Redis (the engine owns all I/O).
//   - Grant anything beyond the engine's pass or reject.
package middleware
