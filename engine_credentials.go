package authcore

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/robelest/authcore/internal"
	"github.com/robelest/authcore/store"
)

// credentialTools is the engine-backed toolset handed to an Authorize
// function for the duration of one sign-in.
type credentialTools struct {
	engine   *Engine
	provider *CredentialsProvider
	req      SignInRequest
}

func (t *credentialTools) LookupAccount(ctx context.Context, providerAccountID string) (*Account, error) {
	return t.engine.store.AccountByProvider(ctx, t.provider.ID(), providerAccountID)
}

func (t *credentialTools) CheckSecret(ctx context.Context, account *Account, secret string) error {
	if account == nil || account.SecretHash == "" {
		return ErrInvalidAccountID
	}
	identifier := t.provider.ID() + ":" + account.ID
	return t.engine.verifySecret(ctx, identifier, account.SecretHash, secret, t.provider.ID())
}

func (t *credentialTools) Register(ctx context.Context, reg Registration) (*Authorization, error) {
	if reg.ProviderAccountID == "" {
		return nil, errMissingParam("providerAccountId")
	}

	secretHash := ""
	if reg.Secret != "" {
		h, err := t.engine.hasher.Hash(reg.Secret)
		if err != nil {
			return nil, err
		}
		secretHash = h
	}

	account, createdUser, err := t.engine.ensureAccount(ctx, t.req.SessionID, accountSpec{
		provider:          t.provider.ID(),
		providerAccountID: reg.ProviderAccountID,
		secretHash:        secretHash,
		email:             reg.Email,
		phone:             reg.Phone,
		emailVerified:     reg.EmailVerified,
		phoneVerified:     reg.PhoneVerified,
		name:              reg.Name,
		anonymous:         reg.Anonymous,
	})
	if err != nil {
		return nil, err
	}

	if createdUser {
		t.engine.metricInc(MetricSignUp)
		t.engine.emitAudit(ctx, auditEventSignUp, true, account.UserID, "", t.provider.ID(), nil, func() map[string]string {
			return map[string]string{"account_id": account.ID}
		})
	}

	return &Authorization{UserID: account.UserID, AccountID: account.ID}, nil
}

// verifySecret is the one place plaintext meets stored hash. The
// limiter runs first and a rejection never reaches the comparison; a
// mismatch charges the budget; a match clears it.
func (e *Engine) verifySecret(ctx context.Context, identifier, secretHash, secret, provider string) error {
	now := e.now()

	if e.config.RateLimit.Enabled {
		decision, err := e.limiter.Check(ctx, identifier, now)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			e.metricInc(MetricSignInRateLimited)
			e.emitRateLimit(ctx, identifier, provider, func() map[string]string {
				return map[string]string{"retry_after": decision.RetryAfter.String()}
			})
			return ErrTooManyFailedAttempts
		}
	}

	ok, err := e.hasher.Verify(secret, secretHash)
	if err != nil {
		return err
	}
	if !ok {
		if e.config.RateLimit.Enabled {
			if _, ferr := e.limiter.Fail(ctx, identifier, now); ferr != nil {
				e.log().Warn("recording failed attempt", zap.Error(ferr))
			}
		}
		return ErrInvalidSecret
	}

	if e.config.RateLimit.Enabled {
		if err := e.limiter.Reset(ctx, identifier); err != nil {
			e.log().Warn("resetting attempt budget", zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) signInCredentials(ctx context.Context, p *CredentialsProvider, req SignInRequest) (*SignInResult, error) {
	if p.Authorize == nil {
		return nil, errUnknownProvider(p.ID())
	}

	tools := &credentialTools{engine: e, provider: p, req: req}
	auth, err := p.Authorize(ctx, req.Params, tools)
	if err != nil {
		if !errors.Is(err, ErrTooManyFailedAttempts) {
			e.metricInc(MetricSignInFailure)
		}
		e.emitAudit(ctx, auditEventSignInFailure, false, "", req.SessionID, p.ID(), err, nil)
		return nil, err
	}
	if auth == nil || auth.UserID == "" {
		e.metricInc(MetricSignInFailure)
		e.emitAudit(ctx, auditEventSignInFailure, false, "", req.SessionID, p.ID(), ErrInvalidAccountID, nil)
		return nil, ErrInvalidAccountID
	}

	if err := e.reconcileSession(ctx, req.SessionID, auth.UserID); err != nil {
		return nil, err
	}

	// A confirmed authenticator forces the second factor before any
	// tokens are released.
	totpSecret, err := e.store.TOTPSecretByUser(ctx, auth.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if totpSecret != nil && totpSecret.Verified {
		return e.totpChallenge(ctx, p.ID(), auth)
	}

	res, err := e.signedIn(ctx, auth.UserID, auth.AccountID)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricSignInSuccess)
	e.emitAudit(ctx, auditEventSignInSuccess, true, auth.UserID, res.SignedIn.SessionID, p.ID(), nil, nil)
	return res, nil
}

// totpChallenge opens the session but withholds its tokens behind a
// verifier until the authenticator code arrives. The session's root
// token exists in the store; it just has not been shown to anyone.
func (e *Engine) totpChallenge(ctx context.Context, provider string, auth *Authorization) (*SignInResult, error) {
	sess, _, err := e.createSession(ctx, auth.UserID)
	if err != nil {
		return nil, err
	}

	verifierID, err := internal.NewID()
	if err != nil {
		return nil, err
	}

	now := e.now()
	v := &store.Verifier{
		ID:        verifierID.String(),
		Provider:  provider,
		Purpose:   store.VerifierPurposeTOTPLogin,
		SessionID: sess.ID,
		UserID:    auth.UserID,
		Payload:   auth.AccountID,
		ExpiresAt: now.Add(e.config.TOTP.ChallengeTTL).Unix(),
	}
	if err := e.store.SaveVerifier(ctx, v, now); err != nil {
		return nil, err
	}

	e.metricInc(MetricTOTPRequired)
	e.emitAudit(ctx, auditEventTOTPChallenge, true, auth.UserID, sess.ID, provider, nil, nil)

	return &SignInResult{
		Kind:         KindTOTPRequired,
		TOTPRequired: &TOTPRequiredResult{Verifier: v.ID},
	}, nil
}

func (e *Engine) signInAnonymous(ctx context.Context, p *AnonymousProvider, req SignInRequest) (*SignInResult, error) {
	user := &store.User{
		Anonymous: true,
		CreatedAt: e.now().Unix(),
	}
	if err := e.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	res, err := e.signedIn(ctx, user.ID, "")
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricSignUp)
	e.metricInc(MetricSignInSuccess)
	e.emitAudit(ctx, auditEventSignInSuccess, true, user.ID, res.SignedIn.SessionID, p.ID(), nil, func() map[string]string {
		return map[string]string{"anonymous": "true"}
	})
	return res, nil
}
