// Package rate implements the brute-force guard consulted before every
// secret comparison.
//
// # Record semantics
//
// One hash per identifier at arl:<identifier>, holding failures (count of
// consecutive misses) and last_attempt_at. The remaining attempt budget is
// derived, never stored, so deleting the record means "full budget". Once
// the budget is spent the backoff window doubles with every further miss,
// and a single probe attempt is allowed per elapsed window. An identifier
// idle for RecoveryFactor windows is forgotten entirely.
//
// # What this package must NOT do
//
//   - Compare secrets, or observe whether a comparison succeeded beyond
//     the Fail/Reset calls it is handed.
//   - Be imported outside the authcore module.
package rate
