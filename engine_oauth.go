package authcore

import (
	"context"
	"errors"

	"github.com/robelest/authcore/internal"
	"github.com/robelest/authcore/store"
)

func (e *Engine) signInOAuth(ctx context.Context, p *OAuthProvider, req SignInRequest) (*SignInResult, error) {
	if req.Params["code"] == "" {
		return e.oauthRedirect(ctx, p, req)
	}
	return e.oauthCallback(ctx, p, req)
}

// oauthRedirect mints the state secret, stashes its hash and the PKCE
// verifier server-side, and returns the authorization URL. The raw
// state travels only inside that URL.
func (e *Engine) oauthRedirect(ctx context.Context, p *OAuthProvider, req SignInRequest) (*SignInResult, error) {
	now := e.now()

	state, err := internal.NewStateToken()
	if err != nil {
		return nil, err
	}
	var pkceVerifier string
	if p.PKCE {
		pkceVerifier, err = internal.NewStateToken()
		if err != nil {
			return nil, err
		}
	}

	verifierID, err := internal.NewID()
	if err != nil {
		return nil, err
	}
	v := &store.Verifier{
		ID:        verifierID.String(),
		Provider:  p.ID(),
		Purpose:   store.VerifierPurposeOAuth,
		Signature: internal.HashSecretHex(state),
		SessionID: req.SessionID,
		Payload:   pkceVerifier,
		ExpiresAt: now.Add(e.config.OAuth.StateTTL).Unix(),
	}
	if err := e.store.SaveVerifier(ctx, v, now); err != nil {
		return nil, err
	}

	url, err := e.exchanger.AuthorizationURL(p.Name, state, pkceVerifier, p.Scopes)
	if err != nil {
		return nil, wrapSentinel(ErrOAuthProviderError, err)
	}

	e.metricInc(MetricOAuthRedirect)
	e.emitAudit(ctx, auditEventOAuthRedirect, true, "", req.SessionID, p.ID(), nil, func() map[string]string {
		return map[string]string{"verifier": v.ID}
	})

	return &SignInResult{
		Kind: KindRedirect,
		Redirect: &RedirectResult{
			URL:      url,
			Verifier: v.ID,
		},
	}, nil
}

// oauthCallback validates state against the stored hash before any
// network call to the provider. The verifier is consumed up front, so a
// replayed callback finds nothing.
func (e *Engine) oauthCallback(ctx context.Context, p *OAuthProvider, req SignInRequest) (*SignInResult, error) {
	if req.Verifier == "" {
		return nil, e.oauthFail(ctx, p, req.SessionID, ErrOAuthMissingVerifier)
	}

	v, err := e.store.TakeVerifier(ctx, req.Verifier, e.now())
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, e.oauthFail(ctx, p, req.SessionID, ErrOAuthMissingVerifier)
		case errors.Is(err, store.ErrExpired):
			return nil, e.oauthFail(ctx, p, req.SessionID, ErrVerifierExpired)
		}
		return nil, err
	}
	if v.Purpose != store.VerifierPurposeOAuth || v.Provider != p.ID() {
		return nil, e.oauthFail(ctx, p, req.SessionID, ErrOAuthMissingVerifier)
	}

	state := req.Params["state"]
	if state == "" || internal.HashSecretHex(state) != v.Signature {
		return nil, e.oauthFail(ctx, p, req.SessionID, ErrOAuthInvalidState)
	}

	if msg := req.Params["error"]; msg != "" {
		return nil, e.oauthFail(ctx, p, req.SessionID,
			wrapSentinel(ErrOAuthProviderError, errors.New(msg)))
	}

	profile, err := e.exchanger.Exchange(ctx, p.Name, req.Params["code"], v.Payload)
	if err != nil {
		return nil, e.oauthFail(ctx, p, req.SessionID, wrapSentinel(ErrOAuthProviderError, err))
	}
	if profile == nil || profile.ProviderAccountID == "" {
		return nil, e.oauthFail(ctx, p, req.SessionID, ErrOAuthInvalidProfile)
	}

	email := normalizeEmail(profile.Email)
	spec := accountSpec{
		provider:          p.ID(),
		providerAccountID: profile.ProviderAccountID,
		email:             email,
		emailVerified:     email != "" && profile.EmailVerified,
		name:              profile.Name,
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
		e.emitAudit(ctx, auditEventSignUp, true, account.UserID, "", p.ID(), nil, func() map[string]string {
			return map[string]string{"account_id": account.ID}
		})
	}

	res, err := e.signedIn(ctx, account.UserID, account.ID)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricOAuthSuccess)
	e.metricInc(MetricSignInSuccess)
	e.emitAudit(ctx, auditEventOAuthSuccess, true, account.UserID, res.SignedIn.SessionID, p.ID(), nil, nil)
	return res, nil
}

func (e *Engine) oauthFail(ctx context.Context, p *OAuthProvider, sessionID string, err error) error {
	e.metricInc(MetricOAuthFailure)
	e.emitAudit(ctx, auditEventOAuthFailure, false, "", sessionID, p.ID(), err, nil)
	return err
}
