package authcore

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"github.com/robelest/authcore/internal"
	"github.com/robelest/authcore/store"
)

// credentialsProviderID names the provider whose accounts password
// reset operates on. The standard "password" provider wins; otherwise a
// sole registered credentials provider is unambiguous.
func (e *Engine) credentialsProviderID() (string, error) {
	if p, ok := e.providers["password"]; ok {
		if _, isCred := p.(*CredentialsProvider); isCred {
			return "password", nil
		}
	}
	found := ""
	for id, p := range e.providers {
		if _, ok := p.(*CredentialsProvider); !ok {
			continue
		}
		if found != "" {
			return "", ErrUnsupportedProviderType
		}
		found = id
	}
	if found == "" {
		return "", ErrUnsupportedProviderType
	}
	return found, nil
}

// RequestPasswordReset issues a reset code for the credentials account
// behind identifier. It reports success whether or not the account
// exists, so the endpoint cannot be used to probe for registrations;
// the audit trail records what actually happened.
func (e *Engine) RequestPasswordReset(ctx context.Context, identifier string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	identifier = normalizeEmail(identifier)
	if identifier == "" {
		return errMissingParam("identifier")
	}
	resetProvider, err := e.credentialsProviderID()
	if err != nil {
		return err
	}

	account, err := e.store.AccountByProvider(ctx, resetProvider, identifier)
	if err != nil {
		return err
	}
	if account == nil {
		e.emitAudit(ctx, auditEventResetRequested, true, "", "", resetProvider, nil, func() map[string]string {
			return map[string]string{"known": "false"}
		})
		return nil
	}

	destination := account.Email
	if destination == "" {
		destination = identifier
	}

	now := e.now()
	expires := now.Add(e.config.Codes.TTL)
	slot := codeSlot(resetProvider, store.CodePurposeReset, account.ProviderAccountID)

	var code string
	for attempt := 0; ; attempt++ {
		code, err = internal.NewOTP(e.config.Codes.OTPDigits)
		if err != nil {
			return err
		}
		err = e.store.SaveCode(ctx, &store.VerificationCode{
			CodeHash:    internal.HashSecretHex(code),
			AccountKey:  slot,
			Provider:    resetProvider,
			Purpose:     store.CodePurposeReset,
			Destination: destination,
			UserID:      account.UserID,
			ExpiresAt:   expires.Unix(),
		}, now)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrDuplicate) || attempt >= 2 {
			return err
		}
	}

	// A delivery failure is swallowed here: surfacing it would tell the
	// caller the account exists. It still lands in the audit stream.
	if err := e.delivery.SendVerification(ctx, DeliveryMessage{
		Provider:    resetProvider,
		Destination: destination,
		Code:        code,
		Purpose:     string(store.CodePurposeReset),
		ExpiresAt:   expires,
	}); err != nil {
		e.emitAudit(ctx, auditEventDeliveryFailure, false, account.UserID, "", resetProvider, err, nil)
		e.log().Error("sending reset code", zap.Error(err))
		return nil
	}

	e.metricInc(MetricResetRequested)
	e.emitAudit(ctx, auditEventResetRequested, true, account.UserID, "", resetProvider, nil, nil)
	return nil
}

// ConfirmPasswordReset consumes a reset code, installs the new
// password, and revokes every session the user had. An unknown
// identifier burns an attempt exactly like a wrong code would.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, identifier, code, newPassword string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	identifier = normalizeEmail(identifier)
	if identifier == "" {
		return errMissingParam("identifier")
	}
	if code == "" {
		return errMissingParam("code")
	}
	if newPassword == "" {
		return errMissingParam("newPassword")
	}
	resetProvider, err := e.credentialsProviderID()
	if err != nil {
		return err
	}

	now := e.now()
	slot := codeSlot(resetProvider, store.CodePurposeReset, identifier)
	limiterID := "reset:" + slot

	if e.config.RateLimit.Enabled {
		decision, err := e.limiter.Check(ctx, limiterID, now)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			e.metricInc(MetricSignInRateLimited)
			e.emitRateLimit(ctx, limiterID, resetProvider, func() map[string]string {
				return map[string]string{"retry_after": decision.RetryAfter.String()}
			})
			return ErrTooManyFailedAttempts
		}
	}

	fail := func() error {
		if e.config.RateLimit.Enabled {
			if _, err := e.limiter.Fail(ctx, limiterID, now); err != nil {
				e.log().Warn("recording failed attempt", zap.Error(err))
			}
		}
		e.metricInc(MetricCodeInvalid)
		e.emitAudit(ctx, auditEventCodeInvalid, false, "", "", resetProvider, ErrInvalidVerificationCode, nil)
		return ErrInvalidVerificationCode
	}

	account, err := e.store.AccountByProvider(ctx, resetProvider, identifier)
	if err != nil {
		return err
	}
	if account == nil {
		return fail()
	}

	consumed, err := e.store.ConsumeCode(ctx, internal.HashSecretHex(code), slot, store.CodePurposeReset, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrExpired) {
			return fail()
		}
		return err
	}

	hash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := e.store.UpdateAccountSecret(ctx, account.ID, hash); err != nil {
		return err
	}

	// Receiving the code proved control of the email it went to.
	if account.EmailVerifiedAt == 0 && consumed.Destination == account.Email && account.Email != "" {
		if err := e.store.StampAccountEmailVerified(ctx, account.ID, now.Unix()); err != nil {
			e.log().Warn("stamping email verification", zap.Error(err))
		}
		if err := e.store.MarkUserEmailVerified(ctx, account.UserID, account.Email, now.Unix()); err != nil {
			e.log().Warn("marking user email verified", zap.Error(err))
		}
	}

	if e.config.RateLimit.Enabled {
		if err := e.limiter.Reset(ctx, limiterID); err != nil {
			e.log().Warn("resetting attempt budget", zap.Error(err))
		}
	}

	sessions, err := e.store.DeleteAllSessionsForUser(ctx, account.UserID)
	if err != nil {
		return err
	}

	e.metricInc(MetricResetConfirmed)
	e.metricInc(MetricCodeConsumed)
	e.emitAudit(ctx, auditEventResetConfirmed, true, account.UserID, "", resetProvider, nil, func() map[string]string {
		return map[string]string{"sessions_invalidated": strconv.Itoa(sessions)}
	})
	return nil
}
