package authcore

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/robelest/authcore/internal"
	"github.com/robelest/authcore/store"
)

// codeSlot is the superseding key for pending codes: one live code per
// provider, purpose and destination.
func codeSlot(provider string, purpose store.CodePurpose, destination string) string {
	return provider + "|" + string(purpose) + "|" + destination
}

func normalizeEmail(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func normalizePhone(v string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(v) {
		if r == ' ' || r == '-' || r == '(' || r == ')' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (e *Engine) signInEmail(ctx context.Context, p *EmailProvider, req SignInRequest) (*SignInResult, error) {
	if req.Params["code"] != "" {
		return e.completeCode(ctx, req)
	}

	destination := req.Params["destination"]
	if destination == "" {
		destination = req.Params["email"]
	}
	destination = normalizeEmail(destination)
	if destination == "" {
		return nil, errMissingParam("destination")
	}

	return e.startCodeFlow(ctx, p.ID(), destination, p.Link, req.SessionID)
}

func (e *Engine) signInPhone(ctx context.Context, p *PhoneProvider, req SignInRequest) (*SignInResult, error) {
	if req.Params["code"] != "" {
		return e.completeCode(ctx, req)
	}

	destination := req.Params["destination"]
	if destination == "" {
		destination = req.Params["phone"]
	}
	destination = normalizePhone(destination)
	if destination == "" {
		return nil, errMissingParam("destination")
	}

	return e.startCodeFlow(ctx, p.ID(), destination, false, req.SessionID)
}

// startCodeFlow generates a code, persists only its hash, and hands the
// plaintext to the delivery collaborator. A failed send is a hard
// failure; nothing pretends the code is on its way.
func (e *Engine) startCodeFlow(ctx context.Context, provider, destination string, link bool, sessionID string) (*SignInResult, error) {
	now := e.now()
	expires := now.Add(e.config.Codes.TTL)

	verifierID, err := internal.NewID()
	if err != nil {
		return nil, err
	}
	v := &store.Verifier{
		ID:        verifierID.String(),
		Provider:  provider,
		Purpose:   store.VerifierPurposeCode,
		SessionID: sessionID,
		Payload:   destination,
		ExpiresAt: expires.Unix(),
	}
	if err := e.store.SaveVerifier(ctx, v, now); err != nil {
		return nil, err
	}

	slot := codeSlot(provider, store.CodePurposeSignIn, destination)

	var code string
	for attempt := 0; ; attempt++ {
		if link {
			code, err = internal.NewLinkToken(e.config.Codes.LinkLength)
		} else {
			code, err = internal.NewOTP(e.config.Codes.OTPDigits)
		}
		if err != nil {
			return nil, err
		}

		err = e.store.SaveCode(ctx, &store.VerificationCode{
			CodeHash:    internal.HashSecretHex(code),
			AccountKey:  slot,
			Provider:    provider,
			Purpose:     store.CodePurposeSignIn,
			Destination: destination,
			VerifierID:  v.ID,
			ExpiresAt:   expires.Unix(),
		}, now)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrDuplicate) || attempt >= 2 {
			return nil, err
		}
	}

	if err := e.delivery.SendVerification(ctx, DeliveryMessage{
		Provider:    provider,
		Destination: destination,
		Code:        code,
		Purpose:     string(store.CodePurposeSignIn),
		ExpiresAt:   expires,
	}); err != nil {
		e.emitAudit(ctx, auditEventDeliveryFailure, false, "", sessionID, provider, err, nil)
		e.log().Error("sending verification code",
			zap.String("provider", provider),
			zap.Error(err),
		)
		return nil, err
	}

	e.metricInc(MetricCodeIssued)
	e.emitAudit(ctx, auditEventCodeIssued, true, "", sessionID, provider, nil, func() map[string]string {
		return map[string]string{"verifier": v.ID}
	})

	return &SignInResult{
		Kind: KindStarted,
		Started: &StartedResult{
			Destination: destination,
			Verifier:    v.ID,
			ExpiresAt:   expires,
		},
	}, nil
}

// completeCode resumes whichever pending flow the verifier names. The
// verifier's recorded purpose decides the handler, so a bare
// code-plus-verifier request needs no provider id.
func (e *Engine) completeCode(ctx context.Context, req SignInRequest) (*SignInResult, error) {
	code := req.Params["code"]
	if code == "" {
		return nil, errMissingParam("code")
	}
	if req.Verifier == "" {
		return nil, errMissingParam("verifier")
	}

	v, err := e.store.VerifierByID(ctx, req.Verifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.metricInc(MetricCodeInvalid)
			e.emitAudit(ctx, auditEventCodeInvalid, false, "", req.SessionID, req.Provider, ErrVerifierExpired, nil)
			return nil, ErrVerifierExpired
		}
		return nil, err
	}
	if v.ExpiresAt <= e.now().Unix() {
		if err := e.store.DeleteVerifier(ctx, v.ID); err != nil {
			e.log().Warn("deleting expired verifier", zap.Error(err))
		}
		e.metricInc(MetricCodeInvalid)
		e.emitAudit(ctx, auditEventCodeInvalid, false, "", req.SessionID, req.Provider, ErrVerifierExpired, nil)
		return nil, ErrVerifierExpired
	}
	if req.Provider != "" && v.Provider != req.Provider {
		return nil, ErrInvalidVerificationCode
	}

	switch v.Purpose {
	case store.VerifierPurposeCode:
		return e.completeCodeFlow(ctx, v, code, req)
	case store.VerifierPurposeTOTPLogin:
		return e.completeTOTPLogin(ctx, v, code, req)
	case store.VerifierPurposeTOTPSetup:
		return e.completeTOTPSetup(ctx, v, code, req)
	default:
		return nil, ErrInvalidVerificationCode
	}
}

func (e *Engine) completeCodeFlow(ctx context.Context, v *store.Verifier, code string, req SignInRequest) (*SignInResult, error) {
	destination := v.Payload
	slot := codeSlot(v.Provider, store.CodePurposeSignIn, destination)
	limiterID := "code:" + slot
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

	consumed, err := e.store.ConsumeCode(ctx, internal.HashSecretHex(code), slot, store.CodePurposeSignIn, now)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrExpired) {
			return nil, e.failCodeAttempt(ctx, v, limiterID, req.SessionID)
		}
		return nil, err
	}
	if consumed.VerifierID != v.ID {
		// The code belongs to a newer pending flow for the same
		// destination; this verifier's flow was superseded. The code is
		// burned either way.
		return nil, e.failCodeAttempt(ctx, v, limiterID, req.SessionID)
	}

	if e.config.RateLimit.Enabled {
		if err := e.limiter.Reset(ctx, limiterID); err != nil {
			e.log().Warn("resetting attempt budget", zap.Error(err))
		}
	}
	if err := e.store.DeleteVerifier(ctx, v.ID); err != nil {
		e.log().Warn("deleting consumed verifier", zap.Error(err))
	}

	// Consuming the code proved ownership of the destination, so the
	// account and user come out verified.
	spec := accountSpec{
		provider:          v.Provider,
		providerAccountID: destination,
	}
	switch e.providers[v.Provider].(type) {
	case *EmailProvider:
		spec.email = destination
		spec.emailVerified = true
	case *PhoneProvider:
		spec.phone = destination
		spec.phoneVerified = true
	default:
		return nil, errUnknownProvider(v.Provider)
	}

	currentSession := req.SessionID
	if currentSession == "" {
		currentSession = v.SessionID
	}

	account, createdUser, err := e.ensureAccount(ctx, currentSession, spec)
	if err != nil {
		return nil, err
	}
	if createdUser {
		e.metricInc(MetricSignUp)
		e.emitAudit(ctx, auditEventSignUp, true, account.UserID, "", v.Provider, nil, func() map[string]string {
			return map[string]string{"account_id": account.ID}
		})
	}

	res, err := e.signedIn(ctx, account.UserID, account.ID)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricCodeConsumed)
	e.metricInc(MetricSignInSuccess)
	e.emitAudit(ctx, auditEventCodeConsumed, true, account.UserID, res.SignedIn.SessionID, v.Provider, nil, nil)
	return res, nil
}

// failCodeAttempt charges the limiter and the verifier's retry budget
// for one wrong code and reports the uniform failure.
func (e *Engine) failCodeAttempt(ctx context.Context, v *store.Verifier, limiterID, sessionID string) error {
	now := e.now()

	if e.config.RateLimit.Enabled {
		if _, err := e.limiter.Fail(ctx, limiterID, now); err != nil {
			e.log().Warn("recording failed attempt", zap.Error(err))
		}
	}

	remaining, exhausted, err := e.store.RecordVerifierFailure(ctx, v.ID, e.config.Codes.MaxAttempts)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if exhausted {
		e.emitAudit(ctx, auditEventVerifierExhausted, false, "", sessionID, v.Provider, nil, func() map[string]string {
			return map[string]string{"verifier": v.ID}
		})
	}

	e.metricInc(MetricCodeInvalid)
	e.emitAudit(ctx, auditEventCodeInvalid, false, "", sessionID, v.Provider, ErrInvalidVerificationCode, func() map[string]string {
		return map[string]string{"remaining": strconv.Itoa(remaining)}
	})
	return ErrInvalidVerificationCode
}
