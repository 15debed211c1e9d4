package internaldefs

import (
	"github.com/robelest/authcore"
)

// CounterDef names one exported engine counter.
type CounterDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// HistogramDef names one exported engine histogram.
type HistogramDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// CounterDefs maps every engine counter to its exposition name. Both
// exporters iterate this list, so the two surfaces cannot drift apart.
var CounterDefs = []CounterDef{
	{ID: authcore.MetricSignInSuccess, Name: "authcore_sign_in_success_total", Help: "Completed sign-ins."},
	{ID: authcore.MetricSignInFailure, Name: "authcore_sign_in_failure_total", Help: "Rejected sign-in attempts."},
	{ID: authcore.MetricSignInRateLimited, Name: "authcore_sign_in_rate_limited_total", Help: "Sign-in attempts denied by the rate limiter."},
	{ID: authcore.MetricSignUp, Name: "authcore_sign_up_total", Help: "Created users."},
	{ID: authcore.MetricRefreshSuccess, Name: "authcore_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: authcore.MetricRefreshInvalid, Name: "authcore_refresh_invalid_total", Help: "Rejected refresh attempts."},
	{ID: authcore.MetricRefreshReuseDetected, Name: "authcore_refresh_reuse_detected_total", Help: "Refresh token reuses that tore down a session."},
	{ID: authcore.MetricSignOut, Name: "authcore_sign_out_total", Help: "Single session sign-outs."},
	{ID: authcore.MetricSignOutAll, Name: "authcore_sign_out_all_total", Help: "Sign-out-all operations."},
	{ID: authcore.MetricSessionCreated, Name: "authcore_session_created_total", Help: "Created sessions."},
	{ID: authcore.MetricSessionInvalidated, Name: "authcore_session_invalidated_total", Help: "Invalidated sessions."},
	{ID: authcore.MetricCodeIssued, Name: "authcore_code_issued_total", Help: "Dispatched verification codes."},
	{ID: authcore.MetricCodeConsumed, Name: "authcore_code_consumed_total", Help: "Verification codes accepted."},
	{ID: authcore.MetricCodeInvalid, Name: "authcore_code_invalid_total", Help: "Rejected verification code attempts."},
	{ID: authcore.MetricOAuthRedirect, Name: "authcore_oauth_redirect_total", Help: "Issued OAuth authorization redirects."},
	{ID: authcore.MetricOAuthSuccess, Name: "authcore_oauth_success_total", Help: "Completed OAuth callbacks."},
	{ID: authcore.MetricOAuthFailure, Name: "authcore_oauth_failure_total", Help: "Failed OAuth callbacks."},
	{ID: authcore.MetricPasskeyRegistered, Name: "authcore_passkey_registered_total", Help: "Registered passkey credentials."},
	{ID: authcore.MetricPasskeyLogin, Name: "authcore_passkey_login_total", Help: "Completed passkey logins."},
	{ID: authcore.MetricPasskeyFailure, Name: "authcore_passkey_failure_total", Help: "Failed passkey ceremonies."},
	{ID: authcore.MetricTOTPRequired, Name: "authcore_totp_required_total", Help: "Sign-ins held for a second factor."},
	{ID: authcore.MetricTOTPSetup, Name: "authcore_totp_setup_total", Help: "Started authenticator enrollments."},
	{ID: authcore.MetricTOTPEnabled, Name: "authcore_totp_enabled_total", Help: "Confirmed authenticator enrollments."},
	{ID: authcore.MetricTOTPSuccess, Name: "authcore_totp_success_total", Help: "Successful authenticator code checks."},
	{ID: authcore.MetricTOTPFailure, Name: "authcore_totp_failure_total", Help: "Failed authenticator code checks."},
	{ID: authcore.MetricDeviceStarted, Name: "authcore_device_started_total", Help: "Started device authorizations."},
	{ID: authcore.MetricDevicePolled, Name: "authcore_device_polled_total", Help: "Device authorization polls."},
	{ID: authcore.MetricDeviceSlowDown, Name: "authcore_device_slow_down_total", Help: "Polls answered with a slow down."},
	{ID: authcore.MetricDeviceApproved, Name: "authcore_device_approved_total", Help: "Approved device authorizations."},
	{ID: authcore.MetricDeviceDenied, Name: "authcore_device_denied_total", Help: "Denied device authorizations."},
	{ID: authcore.MetricAPIKeyCreated, Name: "authcore_api_key_created_total", Help: "Created API keys."},
	{ID: authcore.MetricAPIKeyVerified, Name: "authcore_api_key_verified_total", Help: "Successful API key verifications."},
	{ID: authcore.MetricAPIKeyRejected, Name: "authcore_api_key_rejected_total", Help: "Rejected API key verifications."},
	{ID: authcore.MetricAPIKeyRevoked, Name: "authcore_api_key_revoked_total", Help: "Revoked API keys."},
	{ID: authcore.MetricResetRequested, Name: "authcore_password_reset_request_total", Help: "Password reset requests."},
	{ID: authcore.MetricResetConfirmed, Name: "authcore_password_reset_confirm_total", Help: "Confirmed password resets."},
	{ID: authcore.MetricRateLimitHit, Name: "authcore_rate_limit_hit_total", Help: "Rate limit checks that denied an attempt."},
}

// HistogramDefs lists the exported histograms. Access token
// verification is the only latency the engine samples.
var HistogramDefs = []HistogramDef{
	{ID: authcore.MetricVerifyLatency, Name: "authcore_verify_latency_seconds", Help: "Access token verification latency."},
}

// HistogramBounds are the exposition upper bounds, matching the
// engine's fixed bucket layout.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix mirrors HistogramBounds in a form usable inside
// a metric name.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates a raw bucket slice to the fixed
// bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to the cumulative form
// the exposition formats expect.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
