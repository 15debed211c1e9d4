// Package internal contains helper utilities that are intentionally private
// to authcore: secure random generation, the refresh-token wire format, and
// secret hashing.
//
// # Sub-packages
//
//   - rate: Redis-backed brute-force guard with widening backoff
//
// # What this package must NOT do
//
//   - Export types that appear in the public authcore API.
//   - Be imported by any package outside the authcore module.
package internal
