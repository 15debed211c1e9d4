package authcore

import (
	"context"
	"encoding/base32"
	"errors"
	"strconv"

	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/robelest/authcore/internal"
	"github.com/robelest/authcore/store"
)

func (e *Engine) signInTOTP(ctx context.Context, p *TOTPProvider, req SignInRequest) (*SignInResult, error) {
	if req.Params["code"] != "" {
		return e.completeCode(ctx, req)
	}
	return e.totpSetupStart(ctx, p, req)
}

// totpSetupStart generates a fresh secret for the session's user. The
// secret lives only in the verifier until the confirming code proves
// the authenticator actually holds it; an existing enrollment stays
// untouched until then.
func (e *Engine) totpSetupStart(ctx context.Context, p *TOTPProvider, req SignInRequest) (*SignInResult, error) {
	sess, err := e.requireSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	user, err := e.store.UserByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}

	_, secret, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}

	label := user.Email
	if label == "" {
		label = user.Phone
	}
	if label == "" {
		label = user.ID
	}
	uri := e.totp.ProvisionURI(secret, label)

	png, err := qrcode.Encode(uri, qrcode.Medium, 256)
	if err != nil {
		e.log().Warn("encoding provisioning qr", zap.Error(err))
		png = nil
	}

	verifierID, err := internal.NewID()
	if err != nil {
		return nil, err
	}
	now := e.now()
	v := &store.Verifier{
		ID:        verifierID.String(),
		Provider:  p.ID(),
		Purpose:   store.VerifierPurposeTOTPSetup,
		UserID:    user.ID,
		SessionID: sess.ID,
		Payload:   secret,
		ExpiresAt: now.Add(e.config.TOTP.SetupTTL).Unix(),
	}
	if err := e.store.SaveVerifier(ctx, v, now); err != nil {
		return nil, err
	}

	e.metricInc(MetricTOTPSetup)
	e.emitAudit(ctx, auditEventTOTPSetupRequested, true, user.ID, sess.ID, p.ID(), nil, nil)

	return &SignInResult{
		Kind: KindTOTPSetup,
		TOTPSetup: &TOTPSetupResult{
			Secret:   secret,
			URI:      uri,
			QRCode:   png,
			Verifier: v.ID,
		},
	}, nil
}

// completeTOTPSetup turns a pending secret into a live enrollment once
// the authenticator produces a valid code for it.
func (e *Engine) completeTOTPSetup(ctx context.Context, v *store.Verifier, code string, req SignInRequest) (*SignInResult, error) {
	if v.UserID == "" {
		return nil, ErrVerifierExpired
	}
	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(v.Payload)
	if err != nil {
		return nil, ErrVerifierExpired
	}

	now := e.now()
	ok, step, err := e.totp.VerifyCode(secret, code, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, e.failTOTPAttempt(ctx, v, "")
	}

	if err := e.store.SaveTOTPSecret(ctx, &store.TOTPSecret{
		UserID:       v.UserID,
		Secret:       secret,
		Digits:       e.config.TOTP.Digits,
		Period:       e.config.TOTP.Period,
		Skew:         e.config.TOTP.Skew,
		Algorithm:    e.config.TOTP.Algorithm,
		Verified:     true,
		LastUsedStep: step,
		CreatedAt:    now.Unix(),
	}); err != nil {
		return nil, err
	}
	if err := e.store.DeleteVerifier(ctx, v.ID); err != nil {
		e.log().Warn("deleting consumed verifier", zap.Error(err))
	}

	e.metricInc(MetricTOTPEnabled)
	e.emitAudit(ctx, auditEventTOTPEnabled, true, v.UserID, v.SessionID, v.Provider, nil, nil)

	return &SignInResult{
		Kind: KindSignedIn,
		SignedIn: &SignedInResult{
			UserID:    v.UserID,
			SessionID: v.SessionID,
		},
	}, nil
}

// completeTOTPLogin releases the token pair a first factor left behind.
// The session and its root token already exist; passing the code is
// what finally hands them to the client.
func (e *Engine) completeTOTPLogin(ctx context.Context, v *store.Verifier, code string, req SignInRequest) (*SignInResult, error) {
	limiterID := "totp:" + v.UserID
	now := e.now()

	if e.config.RateLimit.Enabled {
		decision, err := e.limiter.Check(ctx, limiterID, now)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			e.metricInc(MetricSignInRateLimited)
			e.emitRateLimit(ctx, limiterID, v.Provider, func() map[string]string {
				return map[string]string{"retry_after": decision.RetryAfter.String()}
			})
			return nil, ErrTooManyFailedAttempts
		}
	}

	ts, err := e.store.TOTPSecretByUser(ctx, v.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTOTPNotConfigured
		}
		return nil, err
	}
	if !ts.Verified {
		return nil, ErrTOTPNotConfigured
	}

	ok, step, err := e.totp.VerifyEnrolled(ts, code, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, e.failTOTPAttempt(ctx, v, limiterID)
	}

	// Claiming the step is part of verification. Losing the claim means
	// this exact code was already spent.
	spent, err := e.store.CommitTOTPStep(ctx, v.UserID, step)
	if err != nil {
		return nil, err
	}
	if !spent {
		return nil, e.failTOTPAttempt(ctx, v, limiterID)
	}

	if e.config.RateLimit.Enabled {
		if err := e.limiter.Reset(ctx, limiterID); err != nil {
			e.log().Warn("resetting attempt budget", zap.Error(err))
		}
	}
	if err := e.store.DeleteVerifier(ctx, v.ID); err != nil {
		e.log().Warn("deleting consumed verifier", zap.Error(err))
	}

	rootID, err := e.store.ActiveTokenID(ctx, v.SessionID)
	if err != nil {
		return nil, err
	}
	if rootID == "" {
		return nil, ErrVerifierExpired
	}
	root, err := e.store.RefreshTokenByID(ctx, rootID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrVerifierExpired
		}
		return nil, err
	}

	pair, err := e.buildTokenPair(v.UserID, v.SessionID, root.ID, root.ExpiresAt)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricTOTPSuccess)
	e.metricInc(MetricSignInSuccess)
	e.emitAudit(ctx, auditEventTOTPSuccess, true, v.UserID, v.SessionID, v.Provider, nil, nil)

	return &SignInResult{
		Kind: KindSignedIn,
		SignedIn: &SignedInResult{
			UserID:    v.UserID,
			SessionID: v.SessionID,
			AccountID: v.Payload,
			Tokens:    pair,
		},
	}, nil
}

// DisableTOTP removes the enrollment of the session's user.
func (e *Engine) DisableTOTP(ctx context.Context, sessionID string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	sess, err := e.requireSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := e.store.DeleteTOTPSecret(ctx, sess.UserID); err != nil {
		return err
	}
	e.emitAudit(ctx, auditEventTOTPDisabled, true, sess.UserID, sess.ID, "", nil, nil)
	return nil
}

// failTOTPAttempt charges the attempt budgets for one wrong or replayed
// code. A login challenge that runs out of attempts also tears down the
// half-open session it was guarding.
func (e *Engine) failTOTPAttempt(ctx context.Context, v *store.Verifier, limiterID string) error {
	now := e.now()

	if limiterID != "" && e.config.RateLimit.Enabled {
		if _, err := e.limiter.Fail(ctx, limiterID, now); err != nil {
			e.log().Warn("recording failed attempt", zap.Error(err))
		}
	}

	remaining, exhausted, err := e.store.RecordVerifierFailure(ctx, v.ID, e.config.TOTP.MaxAttempts)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if exhausted {
		e.emitAudit(ctx, auditEventVerifierExhausted, false, v.UserID, v.SessionID, v.Provider, nil, func() map[string]string {
			return map[string]string{"verifier": v.ID}
		})
		if v.Purpose == store.VerifierPurposeTOTPLogin && v.SessionID != "" {
			if _, _, err := e.store.DeleteSession(ctx, v.SessionID); err != nil {
				e.log().Warn("deleting abandoned session", zap.Error(err))
			}
		}
	}

	e.metricInc(MetricTOTPFailure)
	e.emitAudit(ctx, auditEventTOTPFailure, false, v.UserID, v.SessionID, v.Provider, ErrInvalidSecret, func() map[string]string {
		return map[string]string{"remaining": strconv.Itoa(remaining)}
	})
	return ErrInvalidSecret
}
