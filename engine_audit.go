package authcore

import (
	"context"
	"errors"

	"github.com/robelest/authcore/store"
)

const (
	auditEventSignInSuccess      = "sign_in_success"
	auditEventSignInFailure      = "sign_in_failure"
	auditEventSignUp             = "sign_up"
	auditEventRefreshSuccess     = "refresh_success"
	auditEventRefreshInvalid     = "refresh_invalid"
	auditEventRefreshReuse       = "refresh_reuse_detected"
	auditEventSignOut            = "sign_out"
	auditEventSignOutAll         = "sign_out_all"
	auditEventSessionSwitched    = "session_switched"
	auditEventCodeIssued         = "code_issued"
	auditEventCodeConsumed       = "code_consumed"
	auditEventCodeInvalid        = "code_invalid"
	auditEventOAuthRedirect      = "oauth_redirect_issued"
	auditEventOAuthSuccess       = "oauth_callback_success"
	auditEventOAuthFailure       = "oauth_callback_failure"
	auditEventPasskeyRegistered  = "passkey_registered"
	auditEventPasskeyLogin       = "passkey_login"
	auditEventPasskeyFailure     = "passkey_failure"
	auditEventTOTPChallenge      = "totp_challenge_issued"
	auditEventTOTPSetupRequested = "totp_setup_requested"
	auditEventTOTPEnabled        = "totp_enabled"
	auditEventTOTPDisabled       = "totp_disabled"
	auditEventTOTPSuccess        = "totp_success"
	auditEventTOTPFailure        = "totp_failure"
	auditEventDeviceFlowStarted  = "device_flow_started"
	auditEventDeviceApproved     = "device_approved"
	auditEventDeviceDenied       = "device_denied"
	auditEventAPIKeyCreated      = "api_key_created"
	auditEventAPIKeyRejected     = "api_key_rejected"
	auditEventAPIKeyRevoked      = "api_key_revoked"
	auditEventResetRequested     = "password_reset_request"
	auditEventResetConfirmed     = "password_reset_confirm"
	auditEventRateLimitTriggered = "rate_limit_triggered"
	auditEventAccountLinked      = "account_linked"
	auditEventAccountUnlinked    = "account_unlinked"
	auditEventDeliveryFailure    = "delivery_failure"
	auditEventVerifierExhausted  = "verifier_attempts_exhausted"
)

// AuditErrorCode is the stable, log-safe classification of a failure as
// it appears in [AuditEvent.Error].
type AuditErrorCode string

const (
	auditErrInvalidAccount     AuditErrorCode = "invalid_account"
	auditErrInvalidSecret      AuditErrorCode = "invalid_secret"
	auditErrRateLimited        AuditErrorCode = "rate_limited"
	auditErrInvalidCode        AuditErrorCode = "invalid_code"
	auditErrInvalidToken       AuditErrorCode = "invalid_token"
	auditErrMissingParam       AuditErrorCode = "missing_param"
	auditErrUnknownProvider    AuditErrorCode = "unknown_provider"
	auditErrVerifierExpired    AuditErrorCode = "verifier_expired"
	auditErrOAuthState         AuditErrorCode = "oauth_state_mismatch"
	auditErrOAuthVerifier      AuditErrorCode = "oauth_verifier_missing"
	auditErrOAuthProvider      AuditErrorCode = "oauth_provider_error"
	auditErrOAuthProfile       AuditErrorCode = "oauth_profile_invalid"
	auditErrPasskeyCounter     AuditErrorCode = "passkey_counter_regression"
	auditErrTOTPNotConfigured  AuditErrorCode = "totp_not_configured"
	auditErrInsufficientScope  AuditErrorCode = "insufficient_scope"
	auditErrDevicePending      AuditErrorCode = "device_pending"
	auditErrDeviceSlowDown     AuditErrorCode = "device_slow_down"
	auditErrDeviceExpired      AuditErrorCode = "device_expired"
	auditErrDeviceDenied       AuditErrorCode = "device_denied"
	auditErrBackendUnavailable AuditErrorCode = "backend_unavailable"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	sessionID string,
	provider string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: e.now().UTC(),
		EventType: eventType,
		UserID:    userID,
		SessionID: sessionID,
		Provider:  provider,
		IP:        clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) emitRateLimit(
	ctx context.Context,
	scope string,
	provider string,
	metadataBuilder func() map[string]string,
) {
	e.metricInc(MetricRateLimitHit)
	e.emitAudit(ctx, auditEventRateLimitTriggered, false, "", "", provider, nil, func() map[string]string {
		base := map[string]string{
			"scope": scope,
		}
		if metadataBuilder == nil {
			return base
		}
		for k, v := range metadataBuilder() {
			base[k] = v
		}
		return base
	})
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidAccountID):
		return auditErrInvalidAccount
	case errors.Is(err, ErrInvalidSecret):
		return auditErrInvalidSecret
	case errors.Is(err, ErrTooManyFailedAttempts):
		return auditErrRateLimited
	case errors.Is(err, ErrInvalidVerificationCode):
		return auditErrInvalidCode
	case errors.Is(err, ErrInvalidRefreshToken),
		errors.Is(err, ErrInvalidAccessToken),
		errors.Is(err, ErrInvalidSession):
		return auditErrInvalidToken
	case errors.Is(err, ErrMissingRequiredParam):
		return auditErrMissingParam
	case errors.Is(err, ErrUnsupportedProviderType):
		return auditErrUnknownProvider
	case errors.Is(err, ErrVerifierExpired):
		return auditErrVerifierExpired
	case errors.Is(err, ErrOAuthInvalidState):
		return auditErrOAuthState
	case errors.Is(err, ErrOAuthMissingVerifier):
		return auditErrOAuthVerifier
	case errors.Is(err, ErrOAuthProviderError):
		return auditErrOAuthProvider
	case errors.Is(err, ErrOAuthInvalidProfile):
		return auditErrOAuthProfile
	case errors.Is(err, ErrPasskeyCounterRegression):
		return auditErrPasskeyCounter
	case errors.Is(err, ErrTOTPNotConfigured):
		return auditErrTOTPNotConfigured
	case errors.Is(err, ErrInsufficientScope):
		return auditErrInsufficientScope
	case errors.Is(err, ErrDeviceAuthorizationPending):
		return auditErrDevicePending
	case errors.Is(err, ErrDeviceSlowDown):
		return auditErrDeviceSlowDown
	case errors.Is(err, ErrDeviceCodeExpired):
		return auditErrDeviceExpired
	case errors.Is(err, ErrDeviceCodeDenied):
		return auditErrDeviceDenied
	case errors.Is(err, store.ErrUnavailable):
		return auditErrBackendUnavailable
	default:
		return auditErrInternal
	}
}
