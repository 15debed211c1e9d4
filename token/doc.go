// Package token issues and verifies the short-lived signed access tokens
// paired with every refresh token, with strict validation semantics
// suitable for low-latency request paths.
package token
