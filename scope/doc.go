// Package scope provides a fixed-size bitmask type and a name registry used
// to grant and check API key scopes.
//
// # Mask size
//
// A scope set is a 64-bit mask. Bit positions are assigned by
// [Registry.Register] in registration order and are stable for the lifetime
// of the process, so masks persisted to storage stay meaningful as long as
// the registration order does not change.
//
// # Architecture boundaries
//
// This package is a pure in-memory data structure with no I/O.
//
// # What this package must NOT do
//
//   - Access Redis, databases, or the network.
//   - Import any other authcore package.
//   - Reassign bit positions after [Registry.Freeze].
package scope
