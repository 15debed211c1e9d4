package authcore

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by [Engine] operations. Callers classify
// failures with errors.Is; the engine may wrap these with operational
// detail but never replaces them with free-form errors on known paths.
//
// Messages are caller-facing and deliberately generic. Anything that
// would reveal whether an identifier exists, which check rejected a
// secret, or how far a flow progressed belongs in audit metadata, not
// in the error string.
var (
	// ErrEngineNotReady is returned when an operation is invoked on a
	// zero or closed engine.
	ErrEngineNotReady = errors.New("engine not ready")

	// ErrInvalidAccountID is returned when the referenced account,
	// user, or credential cannot be found. Transports should map it to
	// the same response as [ErrInvalidSecret] so existence does not
	// leak.
	ErrInvalidAccountID = errors.New("invalid account id")

	// ErrInvalidSecret is returned when a presented secret (password,
	// TOTP code, API key) fails verification against the stored hash.
	ErrInvalidSecret = errors.New("invalid secret")

	// ErrTooManyFailedAttempts is returned when the rate limiter
	// rejects an attempt before any secret comparison happens.
	ErrTooManyFailedAttempts = errors.New("too many failed attempts")

	// ErrInvalidVerificationCode is returned when a one-time code is
	// unknown, expired, already consumed, or bound to a different
	// destination than the one presented.
	ErrInvalidVerificationCode = errors.New("invalid verification code")

	// ErrInvalidRefreshToken is returned by [Engine.Refresh] when the
	// presented token cannot be rotated. Reuse of a stale token yields
	// the same error as a malformed one; telemetry distinguishes them.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")

	// ErrInvalidAccessToken is returned when an access token fails
	// signature, lifetime, or claim checks.
	ErrInvalidAccessToken = errors.New("invalid access token")

	// ErrInvalidSession is returned when an operation that requires an
	// established session references one that does not exist or has
	// expired.
	ErrInvalidSession = errors.New("invalid session")

	// ErrMissingRequiredParam is returned when a sign-in request lacks
	// a parameter the selected provider requires.
	ErrMissingRequiredParam = errors.New("missing required parameter")

	// ErrUnsupportedProviderType is returned when the request names a
	// provider that is not registered with the engine.
	ErrUnsupportedProviderType = errors.New("unsupported provider type")

	// ErrVerifierExpired is returned when a multi-step flow resumes
	// with a verifier handle that is unknown, expired, or already used.
	ErrVerifierExpired = errors.New("verifier expired")

	// ErrOAuthInvalidState is returned when the state echoed by the
	// authorization server does not match the value bound to the
	// verifier. The authorization code is never exchanged in that case.
	ErrOAuthInvalidState = errors.New("oauth state mismatch")

	// ErrOAuthMissingVerifier is returned when an OAuth callback
	// arrives without a verifier, or with one the engine no longer
	// holds.
	ErrOAuthMissingVerifier = errors.New("oauth verifier missing")

	// ErrOAuthProviderError wraps failures from the authorization
	// server during code exchange or profile fetch.
	ErrOAuthProviderError = errors.New("oauth provider error")

	// ErrOAuthInvalidProfile is returned when the exchanged profile
	// lacks a stable provider account id.
	ErrOAuthInvalidProfile = errors.New("oauth profile invalid")

	// ErrPasskeyCounterRegression is returned when an assertion
	// presents a signature counter at or below the stored one, which
	// indicates a cloned or replayed authenticator.
	ErrPasskeyCounterRegression = errors.New("passkey counter regression")

	// ErrTOTPNotConfigured is returned when a TOTP step is requested
	// for a user with no confirmed authenticator secret.
	ErrTOTPNotConfigured = errors.New("totp not configured")

	// ErrInsufficientScope is returned when an API key authenticates
	// but does not carry every scope the operation demands.
	ErrInsufficientScope = errors.New("insufficient scope")

	// Device authorization grant outcomes. Polling surfaces these as
	// errors so transports can map them onto the standard response
	// codes; only approval produces a sign-in result.
	ErrDeviceAuthorizationPending = errors.New("device authorization pending")
	ErrDeviceSlowDown             = errors.New("device polling too fast")
	ErrDeviceCodeExpired          = errors.New("device code expired")
	ErrDeviceCodeDenied           = errors.New("device authorization denied")
)

func errMissingParam(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingRequiredParam, name)
}

func errUnknownProvider(id string) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedProviderType, id)
}

func wrapSentinel(sentinel, cause error) error {
	return fmt.Errorf("%w: %v", sentinel, cause)
}
